package opcua

import (
	"context"
	"sync"
	"time"

	"github.com/awcullen/opcua/client"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyMonitored is returned by Monitor and MonitorEvent when the node
// already has a registered callback. Removal is the only way to replace one.
var ErrAlreadyMonitored = errors.New("node is already monitored")

// ErrNotMonitored is returned by Remove when the node has no registration.
var ErrNotMonitored = errors.New("node is not monitored")

// DataChangeCallback receives each sampled value change of a monitored
// variable. Callbacks run serialized on the goroutine driving Spin.
type DataChangeCallback func(v Variable)

// EventCallback receives the selected fields of a delivered event, standard
// fields first, declared custom fields after in select-clause order.
type EventCallback func(fields []Variable)

// StandardEventFieldCount is the number of standard fields delivered before
// the declared custom fields in an EventCallback. Custom fields start at
// this index.
var StandardEventFieldCount = len(ua.BaseEventSelectClauses)

// ClientOption configures a Client at dial time.
type ClientOption func(*clientConfig)

type clientConfig struct {
	user               string
	passwd             string
	log                *logrus.Logger
	publishingInterval time.Duration
	samplingInterval   time.Duration
}

// WithUser authenticates the session with a username identity instead of
// anonymous.
func WithUser(id, passwd string) ClientOption {
	return func(c *clientConfig) { c.user, c.passwd = id, passwd }
}

// WithClientLogger replaces the default logger.
func WithClientLogger(log *logrus.Logger) ClientOption {
	return func(c *clientConfig) { c.log = log }
}

// WithPublishingInterval sets the requested publishing interval of the
// shared subscription.
func WithPublishingInterval(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.publishingInterval = d }
}

// WithSamplingInterval sets the requested sampling interval of monitored
// items.
func WithSamplingInterval(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.samplingInterval = d }
}

type monitoredEntry struct {
	node    NodeID
	handle  uint32
	itemID  uint32
	dataCB  DataChangeCallback
	eventCB EventCallback
}

// Client is a connected session with one remote server. It owns at most one
// subscription shared by every monitored item, and a registry mapping each
// monitored node to its callback.
//
// Mutating calls are safe from multiple goroutines; notification callbacks
// are serialized on the goroutine running Spin or SpinOnce.
type Client struct {
	ch  *client.Client
	log *logrus.Logger

	publishingInterval time.Duration
	samplingInterval   time.Duration

	mu         sync.Mutex
	subID      uint32
	nextHandle uint32
	items      map[NodeID]*monitoredEntry
	byHandle   map[uint32]*monitoredEntry
	acks       []ua.SubscriptionAcknowledgement
	timers     []*ClientTimer
	nsURIs     []string
}

// Dial connects and activates a session at the given endpoint URL. Failure
// to connect is an error, not a half-open client.
func Dial(ctx context.Context, endpointURL string, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		log:                logrus.New(),
		publishingInterval: 100 * time.Millisecond,
		samplingInterval:   50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	dialOpts := []client.Option{client.WithInsecureSkipVerify()}
	if cfg.user != "" {
		dialOpts = append(dialOpts, client.WithUserNameIdentity(cfg.user, cfg.passwd))
	}
	ch, err := client.Dial(ctx, endpointURL, dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", endpointURL)
	}
	return &Client{
		ch:                 ch,
		log:                cfg.log,
		publishingInterval: cfg.publishingInterval,
		samplingInterval:   cfg.samplingInterval,
		items:              make(map[NodeID]*monitoredEntry),
		byHandle:           make(map[uint32]*monitoredEntry),
	}, nil
}

// Close tears down the subscription and the session. Pending notifications
// are dropped.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	subID := c.subID
	c.subID = 0
	c.items = make(map[NodeID]*monitoredEntry)
	c.byHandle = make(map[uint32]*monitoredEntry)
	c.mu.Unlock()
	if subID != 0 {
		req := &ua.DeleteSubscriptionsRequest{SubscriptionIDs: []uint32{subID}}
		if _, err := c.ch.DeleteSubscriptions(ctx, req); err != nil {
			c.log.WithError(err).Debug("deleting subscription on close")
		}
	}
	if err := c.ch.Close(ctx); err != nil {
		c.ch.Abort(ctx)
		return errors.Wrap(err, "closing session")
	}
	return nil
}

// Find returns a deferred path segment resolving a child by browse name
// through this session. ns defaults to 1.
func (c *Client) Find(browseName string, ns ...uint16) FindNodeInClient {
	n := uint16(1)
	if len(ns) > 0 {
		n = ns[0]
	}
	return FindNodeInClient{cli: c, browseName: browseName, ns: n}
}

// Read fetches the current value of a remote variable node. Any failure
// yields an empty Variable together with the error.
func (c *Client) Read(ctx context.Context, node NodeID) (Variable, error) {
	req := &ua.ReadRequest{
		NodesToRead: []ua.ReadValueID{
			{NodeID: node, AttributeID: ua.AttributeIDValue},
		},
	}
	res, err := c.ch.Read(ctx, req)
	if err != nil {
		return Variable{}, errors.Wrapf(err, "reading %s", node)
	}
	if len(res.Results) == 0 || res.Results[0].StatusCode.IsBad() {
		return Variable{}, errors.Errorf("reading %s: bad status", node)
	}
	return variableFromDataValue(res.Results[0]), nil
}

// Write replaces the value of a remote variable node.
func (c *Client) Write(ctx context.Context, node NodeID, v Variable) error {
	req := &ua.WriteRequest{
		NodesToWrite: []ua.WriteValue{
			{NodeID: node, AttributeID: ua.AttributeIDValue, Value: v.dataValue()},
		},
	}
	res, err := c.ch.Write(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "writing %s", node)
	}
	return writeStatus(node, res.Results)
}

// writeStatus maps a write service result onto an error. A result list may
// legitimately be empty when the server truncates the response.
func writeStatus(node NodeID, results []ua.StatusCode) error {
	if len(results) == 0 {
		return errors.Errorf("writing %s: empty result", node)
	}
	if results[0].IsBad() {
		return errors.Errorf("writing %s: status %s", node, results[0])
	}
	return nil
}

// Call invokes a remote method on an object node and returns its outputs.
func (c *Client) Call(ctx context.Context, object, method NodeID, inputs []Variable) ([]Variable, error) {
	variants := make([]ua.Variant, len(inputs))
	for i, in := range inputs {
		variants[i] = ua.Variant(in.Data())
	}
	req := &ua.CallRequest{
		MethodsToCall: []ua.CallMethodRequest{
			{ObjectID: object, MethodID: method, InputArguments: variants},
		},
	}
	res, err := c.ch.Call(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "calling method")
	}
	if len(res.Results) == 0 {
		return nil, errors.New("calling method: empty result")
	}
	result := res.Results[0]
	if result.StatusCode.IsBad() {
		return nil, errors.Errorf("calling method: status %s", result.StatusCode)
	}
	outputs := make([]Variable, len(result.OutputArguments))
	for i, out := range result.OutputArguments {
		v, err := NewVariable(out)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding output %d", i)
		}
		outputs[i] = v
	}
	return outputs, nil
}

// CallNamed resolves the method by browse name under the object node, then
// calls it.
func (c *Client) CallNamed(ctx context.Context, object NodeID, methodName string, inputs []Variable) ([]Variable, error) {
	methodID := Resolve(object, c.Find(methodName))
	if IsNilNode(methodID) {
		return nil, errors.Errorf("method %q not found on %s", methodName, object)
	}
	return c.Call(ctx, object, methodID, inputs)
}

// CallInObjectsFolder resolves the object and method by browse name under
// the ObjectsFolder, then calls it.
func (c *Client) CallInObjectsFolder(ctx context.Context, objName, methodName string, inputs []Variable) ([]Variable, error) {
	objID := Resolve(NodeObjectsFolder, c.Find(objName))
	if IsNilNode(objID) {
		return nil, errors.Errorf("object %q not found", objName)
	}
	methodID := Resolve(objID, c.Find(methodName))
	if IsNilNode(methodID) {
		return nil, errors.Errorf("method %q not found on %q", methodName, objName)
	}
	return c.Call(ctx, objID, methodID, inputs)
}

// ensureSubscription lazily creates the single shared subscription. Caller
// holds c.mu.
func (c *Client) ensureSubscription(ctx context.Context) error {
	if c.subID != 0 {
		return nil
	}
	req := &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: float64(c.publishingInterval / time.Millisecond),
		RequestedMaxKeepAliveCount:  30,
		RequestedLifetimeCount:      30 * 3,
		PublishingEnabled:           true,
	}
	res, err := c.ch.CreateSubscription(ctx, req)
	if err != nil {
		return errors.Wrap(err, "creating subscription")
	}
	c.subID = res.SubscriptionID
	return nil
}

// Monitor registers a data-change callback for a variable node. A node can
// hold at most one callback; a second registration fails with
// ErrAlreadyMonitored. queueSize caps the per-item server queue, default
// 10; on overflow the server drops the oldest value.
func (c *Client) Monitor(ctx context.Context, node NodeID, cb DataChangeCallback, queueSize ...uint32) error {
	qs := uint32(10)
	if len(queueSize) > 0 && queueSize[0] > 0 {
		qs = queueSize[0]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[node]; exists {
		return errors.Wrapf(ErrAlreadyMonitored, "node %s", node)
	}
	if err := c.ensureSubscription(ctx); err != nil {
		return err
	}
	c.nextHandle++
	handle := c.nextHandle
	req := &ua.CreateMonitoredItemsRequest{
		SubscriptionID:     c.subID,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		ItemsToCreate: []ua.MonitoredItemCreateRequest{
			{
				ItemToMonitor:  ua.ReadValueID{NodeID: node, AttributeID: ua.AttributeIDValue},
				MonitoringMode: ua.MonitoringModeReporting,
				RequestedParameters: ua.MonitoringParameters{
					ClientHandle:     handle,
					SamplingInterval: float64(c.samplingInterval / time.Millisecond),
					QueueSize:        qs,
					DiscardOldest:    true,
				},
			},
		},
	}
	res, err := c.ch.CreateMonitoredItems(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "monitoring %s", node)
	}
	if len(res.Results) == 0 || res.Results[0].StatusCode.IsBad() {
		return errors.Errorf("monitoring %s: bad status", node)
	}
	entry := &monitoredEntry{node: node, handle: handle, itemID: res.Results[0].MonitoredItemID, dataCB: cb}
	c.items[node] = entry
	c.byHandle[handle] = entry
	return nil
}

// MonitorEvent registers an event callback on an event-notifier node,
// selecting the standard event fields plus the named custom properties.
func (c *Client) MonitorEvent(ctx context.Context, node NodeID, names []string, cb EventCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[node]; exists {
		return errors.Wrapf(ErrAlreadyMonitored, "node %s", node)
	}
	if err := c.ensureSubscription(ctx); err != nil {
		return err
	}
	clauses := make([]ua.SimpleAttributeOperand, 0, len(ua.BaseEventSelectClauses)+len(names))
	clauses = append(clauses, ua.BaseEventSelectClauses...)
	for _, name := range names {
		clauses = append(clauses, ua.SimpleAttributeOperand{
			TypeDefinitionID: NodeBaseEventType,
			BrowsePath:       ua.ParseBrowsePath(name),
			AttributeID:      ua.AttributeIDValue,
		})
	}
	c.nextHandle++
	handle := c.nextHandle
	req := &ua.CreateMonitoredItemsRequest{
		SubscriptionID:     c.subID,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		ItemsToCreate: []ua.MonitoredItemCreateRequest{
			{
				ItemToMonitor:  ua.ReadValueID{NodeID: node, AttributeID: ua.AttributeIDEventNotifier},
				MonitoringMode: ua.MonitoringModeReporting,
				RequestedParameters: ua.MonitoringParameters{
					ClientHandle:  handle,
					Filter:        ua.EventFilter{SelectClauses: clauses},
					QueueSize:     100,
					DiscardOldest: true,
				},
			},
		},
	}
	res, err := c.ch.CreateMonitoredItems(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "monitoring events on %s", node)
	}
	if len(res.Results) == 0 || res.Results[0].StatusCode.IsBad() {
		return errors.Errorf("monitoring events on %s: bad status", node)
	}
	entry := &monitoredEntry{node: node, handle: handle, itemID: res.Results[0].MonitoredItemID, eventCB: cb}
	c.items[node] = entry
	c.byHandle[handle] = entry
	return nil
}

// Remove deletes the monitored item of a node. Removal is terminal: the
// callback never fires again and the node can be monitored anew. Removing
// the last item also deletes the shared subscription. Safe to call from
// inside a callback.
func (c *Client) Remove(ctx context.Context, node NodeID) error {
	c.mu.Lock()
	entry, ok := c.items[node]
	if !ok {
		c.mu.Unlock()
		return errors.Wrapf(ErrNotMonitored, "node %s", node)
	}
	delete(c.items, node)
	delete(c.byHandle, entry.handle)
	subID := c.subID
	last := len(c.items) == 0
	if last {
		c.subID = 0
	}
	c.mu.Unlock()

	req := &ua.DeleteMonitoredItemsRequest{
		SubscriptionID:   subID,
		MonitoredItemIDs: []uint32{entry.itemID},
	}
	if _, err := c.ch.DeleteMonitoredItems(ctx, req); err != nil {
		c.log.WithError(err).Debugf("deleting monitored item for %s", node)
	}
	if last {
		dreq := &ua.DeleteSubscriptionsRequest{SubscriptionIDs: []uint32{subID}}
		if _, err := c.ch.DeleteSubscriptions(ctx, dreq); err != nil {
			c.log.WithError(err).Debug("deleting drained subscription")
		}
	}
	return nil
}

// SpinOnce runs one notification round: a single publish exchange when the
// shared subscription exists, demultiplexed to the registered callbacks,
// then any timers that came due. Callbacks run on the calling goroutine.
func (c *Client) SpinOnce(ctx context.Context) error {
	c.mu.Lock()
	subID := c.subID
	acks := c.acks
	c.acks = nil
	c.mu.Unlock()

	if subID == 0 {
		c.fireTimers()
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	req := &ua.PublishRequest{SubscriptionAcknowledgements: acks}
	res, err := c.ch.Publish(ctx, req)
	if err != nil {
		// keep unacknowledged sequence numbers for the next round
		c.mu.Lock()
		c.acks = append(acks, c.acks...)
		c.mu.Unlock()
		c.fireTimers()
		return errors.Wrap(err, "publish round")
	}
	c.dispatch(res)
	c.mu.Lock()
	c.acks = append(c.acks, ua.SubscriptionAcknowledgement{
		SubscriptionID: res.SubscriptionID,
		SequenceNumber: res.NotificationMessage.SequenceNumber,
	})
	c.mu.Unlock()
	c.fireTimers()
	return nil
}

// Spin runs notification rounds until ctx is cancelled or the session
// breaks.
func (c *Client) Spin(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.SpinOnce(ctx); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}
	}
}

func (c *Client) dispatch(res *ua.PublishResponse) {
	for _, data := range res.NotificationMessage.NotificationData {
		switch body := data.(type) {
		case ua.DataChangeNotification:
			for _, item := range body.MonitoredItems {
				c.mu.Lock()
				entry := c.byHandle[item.ClientHandle]
				c.mu.Unlock()
				if entry == nil || entry.dataCB == nil {
					continue
				}
				entry.dataCB(variableFromDataValue(item.Value))
			}
		case ua.EventNotificationList:
			for _, evt := range body.Events {
				c.mu.Lock()
				entry := c.byHandle[evt.ClientHandle]
				c.mu.Unlock()
				if entry == nil || entry.eventCB == nil {
					continue
				}
				fields := make([]Variable, len(evt.EventFields))
				for i, f := range evt.EventFields {
					if f == nil {
						continue
					}
					if v, err := NewVariable(f); err == nil {
						fields[i] = v
					}
				}
				entry.eventCB(fields)
			}
		}
	}
}

// namespaceURIs fetches and caches the server's namespace table for
// expanded node id resolution.
func (c *Client) namespaceURIs() []string {
	c.mu.Lock()
	cached := c.nsURIs
	c.mu.Unlock()
	if cached != nil {
		return cached
	}
	req := &ua.ReadRequest{
		NodesToRead: []ua.ReadValueID{
			{NodeID: ua.VariableIDServerNamespaceArray, AttributeID: ua.AttributeIDValue},
		},
	}
	res, err := c.ch.Read(context.Background(), req)
	if err != nil || len(res.Results) == 0 || res.Results[0].StatusCode.IsBad() {
		return nil
	}
	uris, ok := res.Results[0].Value.([]string)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.nsURIs = uris
	c.mu.Unlock()
	return uris
}
