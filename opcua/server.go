package opcua

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/awcullen/opcua/server"
	"github.com/awcullen/opcua/ua"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// UserConfig is one username/password pair accepted by a server.
type UserConfig struct {
	ID     string
	Passwd string
}

// ServerOption configures a Server at construction time.
type ServerOption func(*serverConfig)

type serverConfig struct {
	host            string
	appName         string
	pkiDir          string
	users           []UserConfig
	log             *logrus.Logger
	securityNone    bool
	serverDiags     bool
	additionalHosts []string
}

// WithHost sets the hostname used in the endpoint URL and certificate.
func WithHost(host string) ServerOption { return func(c *serverConfig) { c.host = host } }

// WithUsers registers username/password identities; passwords are stored
// bcrypt-hashed. Anonymous access stays enabled alongside.
func WithUsers(users []UserConfig) ServerOption { return func(c *serverConfig) { c.users = users } }

// WithServerLogger replaces the default logger.
func WithServerLogger(log *logrus.Logger) ServerOption {
	return func(c *serverConfig) { c.log = log }
}

// WithPKIDir sets where the self-signed certificate pair is kept.
func WithPKIDir(dir string) ServerOption { return func(c *serverConfig) { c.pkiDir = dir } }

// WithApplicationName sets the application name announced to clients.
func WithApplicationName(name string) ServerOption { return func(c *serverConfig) { c.appName = name } }

// WithAdditionalHosts adds SAN entries to the generated certificate.
func WithAdditionalHosts(hosts ...string) ServerOption {
	return func(c *serverConfig) { c.additionalHosts = append(c.additionalHosts, hosts...) }
}

// Server owns an address space for its process lifetime and dispatches
// method calls and events through the underlying protocol stack. One
// dedicated background task serves the endpoint between Start and Stop.
//
// A Server is not safe for concurrent use by multiple goroutines; the
// owner drives it from one goroutine at a time.
type Server struct {
	srv  *server.Server
	log  *logrus.Logger
	port uint16
	done chan struct{}
}

// NewServer creates a server listening on the given port and populates the
// root of its address space. The endpoint is not served until Start.
func NewServer(port uint16, opts ...ServerOption) (*Server, error) {
	cfg := serverConfig{
		host:         defaultHostname(),
		appName:      "UaBridgeServer",
		pkiDir:       "./pki",
		securityNone: true,
		serverDiags:  true,
		log:          logrus.New(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := ensurePKI(cfg.pkiDir, cfg.appName, cfg.host, cfg.additionalHosts); err != nil {
		cfg.log.WithError(err).Warn("could not prepare server PKI")
	}

	endpointURL := fmt.Sprintf("opc.tcp://%s:%d", cfg.host, port)
	serverOpts := []server.Option{
		server.WithBuildInfo(ua.BuildInfo{
			ProductURI:       "https://github.com/iotedgekit/uabridge",
			ManufacturerName: "iotedgekit",
			ProductName:      cfg.appName,
			SoftwareVersion:  "1.0.0",
		}),
		server.WithAnonymousIdentity(true),
		server.WithInsecureSkipVerify(),
		server.WithServerDiagnostics(cfg.serverDiags),
	}
	if cfg.securityNone {
		serverOpts = append(serverOpts, server.WithSecurityPolicyNone(true))
	}
	if len(cfg.users) > 0 {
		hashed := make(map[string][]byte, len(cfg.users))
		for _, u := range cfg.users {
			h, err := bcrypt.GenerateFromPassword([]byte(u.Passwd), bcrypt.MinCost)
			if err != nil {
				return nil, errors.Wrap(err, "hashing user password")
			}
			hashed[u.ID] = h
		}
		serverOpts = append(serverOpts, server.WithAuthenticateUserNameIdentityFunc(
			func(userIdentity ua.UserNameIdentity, applicationURI string, endpointURL string) error {
				h, ok := hashed[userIdentity.UserName]
				if !ok {
					return ua.BadUserAccessDenied
				}
				if bcrypt.CompareHashAndPassword(h, []byte(userIdentity.Password)) != nil {
					return ua.BadUserAccessDenied
				}
				return nil
			},
		))
	}

	srv, err := server.New(
		ua.ApplicationDescription{
			ApplicationURI:  fmt.Sprintf("urn:%s:%s", cfg.host, cfg.appName),
			ProductURI:      "https://github.com/iotedgekit/uabridge",
			ApplicationName: ua.LocalizedText{Text: fmt.Sprintf("%s@%s", cfg.appName, cfg.host), Locale: "en"},
			ApplicationType: ua.ApplicationTypeServer,
			DiscoveryURLs:   []string{endpointURL},
		},
		certFile(cfg.pkiDir),
		keyFile(cfg.pkiDir),
		endpointURL,
		serverOpts...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating server")
	}
	return &Server{srv: srv, log: cfg.log, port: port}, nil
}

// EndpointURL returns the address the server serves on.
func (s *Server) EndpointURL() string { return s.srv.EndpointURL() }

// Stack exposes the underlying protocol stack server.
func (s *Server) Stack() *server.Server { return s.srv }

// Start launches the background task serving the endpoint. The address
// space stays usable before Start; only network traffic needs it.
func (s *Server) Start() {
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.log.Infof("serving OPC UA endpoint at %s", s.srv.EndpointURL())
		if err := s.srv.ListenAndServe(); err != nil && err != ua.BadServerHalted {
			s.log.WithError(err).Error("server halted unexpectedly")
		}
	}()
}

// Stop closes the endpoint and tears down all sessions and subscriptions.
// It may be called from any goroutine, including callbacks.
func (s *Server) Stop() error { return s.srv.Close() }

// Join blocks until the background task started by Start has exited.
func (s *Server) Join() {
	if s.done != nil {
		<-s.done
	}
}

// Find returns a deferred path segment resolving a child by browse name in
// this server's address space. ns defaults to 1 (the application
// namespace).
func (s *Server) Find(browseName string, ns ...uint16) FindNodeInServer {
	n := uint16(1)
	if len(ns) > 0 {
		n = ns[0]
	}
	return FindNodeInServer{srv: s, browseName: browseName, ns: n}
}

// hierarchicalRefs are the forward reference kinds followed by single-hop
// child lookup.
var hierarchicalRefs = []ua.NodeID{
	ua.ReferenceTypeIDOrganizes,
	ua.ReferenceTypeIDHasComponent,
	ua.ReferenceTypeIDHasProperty,
	ua.ReferenceTypeIDHasSubtype,
	ua.ReferenceTypeIDHasNotifier,
	ua.ReferenceTypeIDHasEventSource,
}

func isHierarchicalRef(id ua.NodeID) bool {
	for _, r := range hierarchicalRefs {
		if r == id {
			return true
		}
	}
	return false
}

func (s *Server) findChild(origin NodeID, qn ua.QualifiedName) NodeID {
	nm := s.srv.NamespaceManager()
	node, ok := nm.FindNode(origin)
	if !ok {
		return nil
	}
	uris := nm.NamespaceUris()
	for _, r := range node.References() {
		if r.IsInverse || !isHierarchicalRef(r.ReferenceTypeID) {
			continue
		}
		childID := ua.ToNodeID(r.TargetID, uris)
		child, ok := nm.FindNode(childID)
		if !ok {
			continue
		}
		if child.BrowseName() == qn {
			return child.NodeID()
		}
	}
	return nil
}

func localized(text string) ua.LocalizedText {
	return ua.LocalizedText{Text: text, Locale: "en"}
}

// nodeIDFor derives the deterministic string node id for a browse name,
// optionally scoped under a parent id.
func nodeIDFor(ns uint16, scope, browseName string) ua.NodeIDString {
	if scope != "" {
		return ua.NodeIDString{NamespaceIndex: ns, ID: scope + "." + browseName}
	}
	return ua.NodeIDString{NamespaceIndex: ns, ID: browseName}
}

// AddVariableNode registers a variable under the given parent, defaulting
// to the ObjectsFolder. The assigned NodeId is returned; a browse-name
// collision or stack rejection is reported as an error.
func (s *Server) AddVariableNode(v Variable, parent ...NodeID) (NodeID, error) {
	parentID := NodeID(NodeObjectsFolder)
	scope := ""
	refType := ua.ReferenceTypeIDOrganizes
	if len(parent) > 0 && !IsNilNode(parent[0]) {
		parentID = parent[0]
		refType = ua.ReferenceTypeIDHasComponent
		if sid, ok := parentID.(ua.NodeIDString); ok {
			scope = sid.ID
		}
	}
	ns := v.NamespaceIndex
	qn := ua.QualifiedName{NamespaceIndex: ns, Name: v.BrowseName}
	if !IsNilNode(s.findChild(parentID, qn)) {
		return nil, errors.Errorf("add variable node: browse name %q already exists under %s", v.BrowseName, parentID)
	}

	typeID := NodeID(NodeBaseDataVariableType)
	if vt := v.Type(); vt != nil {
		if id := Resolve(NodeBaseDataVariableType, s.Find(vt.BrowseName, vt.NamespaceIndex)); !IsNilNode(id) {
			typeID = id
		} else {
			s.log.Warnf("variable type %q not found, falling back to BaseDataVariableType", vt.BrowseName)
		}
	}

	node := server.NewVariableNode(
		nodeIDFor(ns, scope, v.BrowseName),
		qn,
		localized(v.DisplayName),
		localized(v.Description),
		nil,
		[]ua.Reference{
			{ReferenceTypeID: refType, IsInverse: true, TargetID: ua.NewExpandedNodeID(parentID)},
			{ReferenceTypeID: ua.ReferenceTypeIDHasTypeDefinition, TargetID: ua.NewExpandedNodeID(typeID)},
		},
		v.dataValue(),
		v.dataType.NodeID(),
		v.valueRank(),
		v.arrayDimensions(),
		v.AccessLevel,
		0,
		false,
		nil,
	)
	if err := s.srv.NamespaceManager().AddNode(node); err != nil {
		s.log.Errorf("failed to add variable node %q: %s", v.BrowseName, err)
		return nil, errors.Wrapf(err, "add variable node %q", v.BrowseName)
	}
	return node.NodeID(), nil
}

// AddVariableTypeNode registers a variable type as a subtype of
// BaseDataVariableType, carrying the default value.
func (s *Server) AddVariableTypeNode(vt VariableType) (NodeID, error) {
	ns := vt.NamespaceIndex
	qn := ua.QualifiedName{NamespaceIndex: ns, Name: vt.BrowseName}
	if !IsNilNode(s.findChild(NodeBaseDataVariableType, qn)) {
		return nil, errors.Errorf("add variable type node: browse name %q already exists", vt.BrowseName)
	}
	t := time.Now().UTC()
	node := server.NewVariableTypeNode(
		nodeIDFor(ns, "", vt.BrowseName),
		qn,
		localized(vt.DisplayName),
		localized(vt.Description),
		nil,
		[]ua.Reference{
			{ReferenceTypeID: ua.ReferenceTypeIDHasSubtype, IsInverse: true, TargetID: ua.NewExpandedNodeID(NodeBaseDataVariableType)},
		},
		ua.NewDataValue(ua.Variant(vt.Data()), 0, t, 0, t, 0),
		vt.dataType.NodeID(),
		vt.valueRank(),
		vt.arrayDimensions(),
		false,
	)
	if err := s.srv.NamespaceManager().AddNode(node); err != nil {
		s.log.Errorf("failed to add variable type node %q: %s", vt.BrowseName, err)
		return nil, errors.Wrapf(err, "add variable type node %q", vt.BrowseName)
	}
	return node.NodeID(), nil
}

// typeChainID resolves an object type node by walking the base chain
// downward from BaseObjectType. Falls back to BaseObjectType when a link is
// missing.
func (s *Server) typeChainID(otype *ObjectType) NodeID {
	var chain []*ObjectType
	for t := otype; t != nil; t = t.Base() {
		chain = append(chain, t)
	}
	id := NodeID(NodeBaseObjectType)
	for i := len(chain) - 1; i >= 0; i-- {
		next := Resolve(id, s.Find(chain[i].BrowseName, chain[i].NamespaceIndex))
		if IsNilNode(next) {
			s.log.Warnf("object type %q not found, falling back to BaseObjectType", chain[i].BrowseName)
			return NodeBaseObjectType
		}
		id = next
	}
	return id
}

// AddObjectNode registers an object with its variable and method children
// under the given parent, defaulting to the ObjectsFolder. The object is an
// event notifier and feeds the server's event stream.
func (s *Server) AddObjectNode(obj Object, parent ...NodeID) (NodeID, error) {
	parentID := NodeID(NodeObjectsFolder)
	if len(parent) > 0 && !IsNilNode(parent[0]) {
		parentID = parent[0]
	}
	ns := obj.NamespaceIndex
	if ns == 0 {
		ns = 1
	}
	qn := ua.QualifiedName{NamespaceIndex: ns, Name: obj.BrowseName}
	if !IsNilNode(s.findChild(parentID, qn)) {
		return nil, errors.Errorf("add object node: browse name %q already exists under %s", obj.BrowseName, parentID)
	}

	typeID := NodeID(NodeBaseObjectType)
	if obj.Type() != nil {
		typeID = s.typeChainID(obj.Type())
	}
	node := server.NewObjectNode(
		nodeIDFor(ns, "", obj.BrowseName),
		qn,
		localized(obj.DisplayName),
		localized(obj.Description),
		nil,
		[]ua.Reference{
			{ReferenceTypeID: ua.ReferenceTypeIDOrganizes, IsInverse: true, TargetID: ua.NewExpandedNodeID(parentID)},
			{ReferenceTypeID: ua.ReferenceTypeIDHasTypeDefinition, TargetID: ua.NewExpandedNodeID(typeID)},
			{ReferenceTypeID: ua.ReferenceTypeIDHasNotifier, IsInverse: true, TargetID: ua.NewExpandedNodeID(NodeServer)},
		},
		ua.EventNotifierSubscribeToEvents,
	)
	if err := s.srv.NamespaceManager().AddNode(node); err != nil {
		s.log.Errorf("failed to add object node %q: %s", obj.BrowseName, err)
		return nil, errors.Wrapf(err, "add object node %q", obj.BrowseName)
	}
	id := node.NodeID()
	for _, v := range obj.Variables() {
		if _, err := s.AddVariableNode(v, id); err != nil {
			return nil, err
		}
	}
	for _, m := range obj.Methods() {
		if _, err := s.AddMethodNode(m, id); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// AddObjectTypeNode registers an object type under its base chain with its
// mandatory children.
func (s *Server) AddObjectTypeNode(otype ObjectType) (NodeID, error) {
	parentID := NodeID(NodeBaseObjectType)
	if otype.Base() != nil {
		parentID = s.typeChainID(otype.Base())
	}
	ns := otype.NamespaceIndex
	if ns == 0 {
		ns = 1
	}
	qn := ua.QualifiedName{NamespaceIndex: ns, Name: otype.BrowseName}
	if !IsNilNode(s.findChild(parentID, qn)) {
		return nil, errors.Errorf("add object type node: browse name %q already exists", otype.BrowseName)
	}
	node := server.NewObjectTypeNode(
		nodeIDFor(ns, "", otype.BrowseName),
		qn,
		localized(otype.DisplayName),
		localized(otype.Description),
		nil,
		[]ua.Reference{
			{ReferenceTypeID: ua.ReferenceTypeIDHasSubtype, IsInverse: true, TargetID: ua.NewExpandedNodeID(parentID)},
		},
		false,
	)
	if err := s.srv.NamespaceManager().AddNode(node); err != nil {
		s.log.Errorf("failed to add object type node %q: %s", otype.BrowseName, err)
		return nil, errors.Wrapf(err, "add object type node %q", otype.BrowseName)
	}
	id := node.NodeID()
	for _, v := range otype.Variables() {
		childID, err := s.AddVariableNode(v, id)
		if err != nil {
			return nil, err
		}
		if err := s.addMandatoryRule(childID); err != nil {
			return nil, err
		}
	}
	for _, m := range otype.Methods() {
		if _, err := s.AddMethodNode(m, id); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// addMandatoryRule marks a type child as mandatory for instances.
func (s *Server) addMandatoryRule(child NodeID) error {
	nm := s.srv.NamespaceManager()
	node, ok := nm.FindNode(child)
	if !ok {
		return errors.Errorf("modelling rule: node %s not found", child)
	}
	node.SetReferences(append(node.References(), ua.Reference{
		ReferenceTypeID: ua.ReferenceTypeIDHasModellingRule,
		TargetID:        ua.NewExpandedNodeID(ua.ObjectIDModellingRuleMandatory),
	}))
	return nil
}

// AddMethodNode registers a method with its argument properties and wires
// the native dispatch handler. The parent defaults to the ObjectsFolder.
func (s *Server) AddMethodNode(m Method, parent ...NodeID) (NodeID, error) {
	parentID := NodeID(NodeObjectsFolder)
	scope := ""
	if len(parent) > 0 && !IsNilNode(parent[0]) {
		parentID = parent[0]
		if sid, ok := parentID.(ua.NodeIDString); ok {
			scope = sid.ID
		}
	}
	ns := m.NamespaceIndex
	if ns == 0 {
		ns = 1
	}
	qn := ua.QualifiedName{NamespaceIndex: ns, Name: m.BrowseName}
	if !IsNilNode(s.findChild(parentID, qn)) {
		return nil, errors.Errorf("add method node: browse name %q already exists under %s", m.BrowseName, parentID)
	}

	nodeID := nodeIDFor(ns, scope, m.BrowseName)
	node := server.NewMethodNode(
		nodeID,
		qn,
		localized(m.DisplayName),
		localized(m.Description),
		nil,
		[]ua.Reference{
			{ReferenceTypeID: ua.ReferenceTypeIDHasComponent, IsInverse: true, TargetID: ua.NewExpandedNodeID(parentID)},
		},
		true,
	)
	node.SetCallMethodHandler(s.methodDispatcher(m))
	nm := s.srv.NamespaceManager()
	if err := nm.AddNode(node); err != nil {
		s.log.Errorf("failed to add method node %q: %s", m.BrowseName, err)
		return nil, errors.Wrapf(err, "add method node %q", m.BrowseName)
	}
	if err := s.addArgumentProperty(node.NodeID(), nodeID.ID, "InputArguments", m.IArgs); err != nil {
		return nil, err
	}
	if err := s.addArgumentProperty(node.NodeID(), nodeID.ID, "OutputArguments", m.OArgs); err != nil {
		return nil, err
	}
	return node.NodeID(), nil
}

func (s *Server) addArgumentProperty(methodID NodeID, scope, name string, args []Argument) error {
	if len(args) == 0 {
		return nil
	}
	uaArgs := make([]ua.ExtensionObject, len(args))
	for i, a := range args {
		rank := ua.ValueRankScalar
		var dims []uint32
		if a.Dims > 1 {
			rank = ua.ValueRankOneDimension
			dims = []uint32{a.Dims}
		}
		uaArgs[i] = ua.Argument{
			Name:            a.Name,
			DataType:        a.Type.NodeID(),
			ValueRank:       rank,
			ArrayDimensions: dims,
			Description:     localized(a.Description),
		}
	}
	t := time.Now().UTC()
	node := server.NewVariableNode(
		ua.NodeIDString{NamespaceIndex: 0, ID: scope + "." + name},
		ua.QualifiedName{NamespaceIndex: 0, Name: name},
		localized(name),
		localized(""),
		nil,
		[]ua.Reference{
			{ReferenceTypeID: ua.ReferenceTypeIDHasProperty, IsInverse: true, TargetID: ua.NewExpandedNodeID(methodID)},
			{ReferenceTypeID: ua.ReferenceTypeIDHasTypeDefinition, TargetID: ua.NewExpandedNodeID(NodePropertyType)},
		},
		ua.NewDataValue(uaArgs, 0, t, 0, t, 0),
		ua.DataTypeIDArgument,
		ua.ValueRankOneDimension,
		[]uint32{uint32(len(uaArgs))},
		ua.AccessLevelsCurrentRead,
		0,
		false,
		nil,
	)
	if err := s.srv.NamespaceManager().AddNode(node); err != nil {
		return errors.Wrapf(err, "add %s property", name)
	}
	return nil
}

// methodDispatcher adapts a native MethodCallback to the stack's call
// interface, enforcing the declared arity and type contract.
func (s *Server) methodDispatcher(m Method) func(context.Context, ua.CallMethodRequest) ua.CallMethodResult {
	return func(ctx context.Context, req ua.CallMethodRequest) ua.CallMethodResult {
		if m.Func == nil {
			return ua.CallMethodResult{StatusCode: ua.BadNotImplemented}
		}
		if len(req.InputArguments) < len(m.IArgs) {
			return ua.CallMethodResult{StatusCode: ua.BadArgumentsMissing}
		}
		if len(req.InputArguments) > len(m.IArgs) {
			return ua.CallMethodResult{StatusCode: ua.BadTooManyArguments}
		}
		inputs := make([]Variable, len(req.InputArguments))
		argResults := make([]ua.StatusCode, len(req.InputArguments))
		badInput := false
		for i, raw := range req.InputArguments {
			v, err := NewVariable(raw)
			if err != nil || v.dataType != m.IArgs[i].Type {
				argResults[i] = ua.BadTypeMismatch
				badInput = true
				continue
			}
			argResults[i] = ua.Good
			inputs[i] = v
		}
		if badInput {
			return ua.CallMethodResult{StatusCode: ua.BadInvalidArgument, InputArgumentResults: argResults}
		}
		outputs, err := m.Func(ctx, inputs)
		if err != nil {
			s.log.WithError(err).Errorf("method %q failed", m.BrowseName)
			return ua.CallMethodResult{StatusCode: ua.BadUnexpectedError}
		}
		outVariants := make([]ua.Variant, len(outputs))
		for i, o := range outputs {
			outVariants[i] = ua.Variant(o.Data())
		}
		return ua.CallMethodResult{StatusCode: ua.Good, InputArgumentResults: argResults, OutputArguments: outVariants}
	}
}

// AddEventTypeNode registers a custom event type under BaseEventType with
// its declared int32 properties.
func (s *Server) AddEventTypeNode(etype EventType) (NodeID, error) {
	ns := etype.NamespaceIndex
	if ns == 0 {
		ns = 1
	}
	qn := ua.QualifiedName{NamespaceIndex: ns, Name: etype.BrowseName}
	if !IsNilNode(s.findChild(NodeBaseEventType, qn)) {
		return nil, errors.Errorf("add event type node: browse name %q already exists", etype.BrowseName)
	}
	node := server.NewObjectTypeNode(
		nodeIDFor(ns, "", etype.BrowseName),
		qn,
		localized(etype.DisplayName),
		localized(etype.Description),
		nil,
		[]ua.Reference{
			{ReferenceTypeID: ua.ReferenceTypeIDHasSubtype, IsInverse: true, TargetID: ua.NewExpandedNodeID(NodeBaseEventType)},
		},
		false,
	)
	nm := s.srv.NamespaceManager()
	if err := nm.AddNode(node); err != nil {
		s.log.Errorf("failed to add event type node %q: %s", etype.BrowseName, err)
		return nil, errors.Wrapf(err, "add event type node %q", etype.BrowseName)
	}
	t := time.Now().UTC()
	for name, val := range etype.Properties() {
		prop := server.NewVariableNode(
			nodeIDFor(ns, etype.BrowseName, name),
			ua.QualifiedName{NamespaceIndex: ns, Name: name},
			localized(name),
			localized(""),
			nil,
			[]ua.Reference{
				{ReferenceTypeID: ua.ReferenceTypeIDHasProperty, IsInverse: true, TargetID: ua.NewExpandedNodeID(node.NodeID())},
				{ReferenceTypeID: ua.ReferenceTypeIDHasTypeDefinition, TargetID: ua.NewExpandedNodeID(NodePropertyType)},
				{ReferenceTypeID: ua.ReferenceTypeIDHasModellingRule, TargetID: ua.NewExpandedNodeID(ua.ObjectIDModellingRuleMandatory)},
			},
			ua.NewDataValue(val, 0, t, 0, t, 0),
			ua.DataTypeIDInt32,
			ua.ValueRankScalar,
			nil,
			ua.AccessLevelsCurrentRead|ua.AccessLevelsCurrentWrite,
			0,
			false,
			nil,
		)
		if err := nm.AddNode(prop); err != nil {
			s.log.Errorf("failed to add event type property %q: %s", name, err)
			return nil, errors.Wrapf(err, "add event type property %q", name)
		}
	}
	return node.NodeID(), nil
}

// AddViewNode registers a view organizing the given nodes under the
// ViewsFolder.
func (s *Server) AddViewNode(v View) (NodeID, error) {
	ns := v.NamespaceIndex
	if ns == 0 {
		ns = 1
	}
	qn := ua.QualifiedName{NamespaceIndex: ns, Name: v.BrowseName}
	if !IsNilNode(s.findChild(NodeViewsFolder, qn)) {
		return nil, errors.Errorf("add view node: browse name %q already exists", v.BrowseName)
	}
	refs := []ua.Reference{
		{ReferenceTypeID: ua.ReferenceTypeIDOrganizes, IsInverse: true, TargetID: ua.NewExpandedNodeID(NodeViewsFolder)},
	}
	for _, n := range v.Nodes() {
		refs = append(refs, ua.Reference{ReferenceTypeID: ua.ReferenceTypeIDOrganizes, TargetID: ua.NewExpandedNodeID(n)})
	}
	node := server.NewViewNode(
		nodeIDFor(ns, "", v.BrowseName),
		qn,
		localized(v.DisplayName),
		localized(v.Description),
		nil,
		refs,
		true,
		ua.EventNotifierNone,
	)
	if err := s.srv.NamespaceManager().AddNode(node); err != nil {
		s.log.Errorf("failed to add view node %q: %s", v.BrowseName, err)
		return nil, errors.Wrapf(err, "add view node %q", v.BrowseName)
	}
	return node.NodeID(), nil
}

// Read returns the current value of a variable node in this server's own
// address space. The result is empty when the node is unknown or not a
// variable.
func (s *Server) Read(node NodeID) (Variable, error) {
	vn, ok := s.srv.NamespaceManager().FindVariable(node)
	if !ok {
		return Variable{}, errors.Errorf("read: variable node %s not found", node)
	}
	return variableFromDataValue(vn.Value()), nil
}

// Write replaces the value of a variable node in this server's own address
// space, waking any monitored items sampling it.
func (s *Server) Write(node NodeID, v Variable) error {
	vn, ok := s.srv.NamespaceManager().FindVariable(node)
	if !ok {
		return errors.Errorf("write: variable node %s not found", node)
	}
	vn.SetValue(v.dataValue())
	return nil
}

// ValueCallback observes session-level access to a variable node's value.
type ValueCallback func(v Variable)

// DataSourceRead supplies the current value of a data-source variable node.
type DataSourceRead func() Variable

// DataSourceWrite consumes a value written to a data-source variable node.
// A non-nil error rejects the write.
type DataSourceWrite func(v Variable) error

// AddVariableNodeValueCallback attaches observers to an existing variable
// node: beforeRead runs ahead of every value read served to a session,
// afterWrite runs with the value a session just wrote. Either may be nil.
func (s *Server) AddVariableNodeValueCallback(node NodeID, beforeRead, afterWrite ValueCallback) error {
	vn, ok := s.srv.NamespaceManager().FindVariable(node)
	if !ok {
		return errors.Errorf("value callback: variable node %s not found", node)
	}
	if beforeRead != nil {
		vn.SetReadValueHandler(func(ctx context.Context, rv ua.ReadValueID) ua.DataValue {
			beforeRead(variableFromDataValue(vn.Value()))
			return vn.Value()
		})
	}
	if afterWrite != nil {
		vn.SetWriteValueHandler(func(ctx context.Context, wv ua.WriteValue) (ua.DataValue, ua.StatusCode) {
			vn.SetValue(wv.Value)
			afterWrite(variableFromDataValue(wv.Value))
			return wv.Value, ua.Good
		})
	}
	return nil
}

// AddDataSourceVariableNode registers a variable whose value lives outside
// the address space: session reads are redirected to onRead and session
// writes to onWrite instead of the stored attribute.
func (s *Server) AddDataSourceVariableNode(v Variable, onRead DataSourceRead, onWrite DataSourceWrite, parent ...NodeID) (NodeID, error) {
	id, err := s.AddVariableNode(v, parent...)
	if err != nil {
		return nil, err
	}
	vn, ok := s.srv.NamespaceManager().FindVariable(id)
	if !ok {
		return nil, errors.Errorf("add data source variable node: %s not found after insert", id)
	}
	if onRead != nil {
		vn.SetReadValueHandler(func(ctx context.Context, rv ua.ReadValueID) ua.DataValue {
			return onRead().dataValue()
		})
	}
	if onWrite != nil {
		vn.SetWriteValueHandler(func(ctx context.Context, wv ua.WriteValue) (ua.DataValue, ua.StatusCode) {
			val := variableFromDataValue(wv.Value)
			if err := onWrite(val); err != nil {
				s.log.WithError(err).Errorf("data source write to %s rejected", id)
				return wv.Value, ua.BadUnexpectedError
			}
			return wv.Value, ua.Good
		})
	}
	return id, nil
}

// customEvent adapts an Event to the stack's select-clause interface.
type customEvent struct {
	eventID    ua.ByteString
	eventType  NodeID
	sourceNode NodeID
	sourceName string
	time       time.Time
	message    ua.LocalizedText
	severity   uint16
	fields     map[string]int32
}

func (e *customEvent) GetAttribute(clause ua.SimpleAttributeOperand) ua.Variant {
	if len(clause.BrowsePath) == 0 {
		return nil
	}
	name := clause.BrowsePath[len(clause.BrowsePath)-1].Name
	switch name {
	case "EventId":
		return e.eventID
	case "EventType":
		return e.eventType
	case "SourceNode":
		return e.sourceNode
	case "SourceName":
		return e.sourceName
	case "Time", "ReceiveTime":
		return e.time
	case "Message":
		return e.message
	case "Severity":
		return e.severity
	}
	if v, ok := e.fields[name]; ok {
		return v
	}
	return nil
}

// TriggerEvent marshals the event's standard and declared fields and
// delivers it from the origin node up the notifier chain.
func (s *Server) TriggerEvent(origin NodeID, e Event) error {
	if e.Type() == nil {
		return errors.New("trigger event: event has no originating type")
	}
	typeID := Resolve(NodeBaseEventType, s.Find(e.Type().BrowseName, e.Type().NamespaceIndex))
	if IsNilNode(typeID) {
		s.log.Errorf("failed to find event type %q during trigger", e.Type().BrowseName)
		return errors.Errorf("trigger event: event type %q not registered", e.Type().BrowseName)
	}
	target, ok := s.srv.NamespaceManager().FindObject(origin)
	if !ok {
		return errors.Errorf("trigger event: origin node %s not found", origin)
	}
	id := uuid.New()
	evt := &customEvent{
		eventID:    ua.ByteString(id[:]),
		eventType:  typeID,
		sourceNode: origin,
		sourceName: e.SourceName,
		time:       time.Now().UTC(),
		message:    localized(e.Message),
		severity:   e.Severity,
		fields:     e.Fields(),
	}
	if err := s.srv.NamespaceManager().OnEvent(target, evt); err != nil {
		s.log.Errorf("failed to trigger event: %s", err)
		return errors.Wrap(err, "trigger event")
	}
	return nil
}

func defaultHostname() string {
	if hn, err := os.Hostname(); err == nil {
		return hn
	}
	return "localhost"
}
