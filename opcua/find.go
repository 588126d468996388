package opcua

import (
	"context"

	"github.com/awcullen/opcua/ua"
)

// NodeID identifies one entry of an address space. It is the protocol
// stack's opaque identifier; the nil interface is the null/invalid sentinel
// returned by failed lookups.
type NodeID = ua.NodeID

// Well-known ns=0 nodes used as default parents and type definitions.
var (
	NodeObjectsFolder        = ua.ObjectIDObjectsFolder
	NodeViewsFolder          = ua.ObjectIDViewsFolder
	NodeServer               = ua.ObjectIDServer
	NodeBaseObjectType       = ua.ObjectTypeIDBaseObjectType
	NodeBaseEventType        = ua.ObjectTypeIDBaseEventType
	NodeFolderType           = ua.ObjectTypeIDFolderType
	NodeBaseDataVariableType = ua.VariableTypeIDBaseDataVariableType
	NodePropertyType         = ua.VariableTypeIDPropertyType
)

// IsNilNode reports whether id is the null sentinel.
func IsNilNode(id NodeID) bool { return id == nil }

// PathSegment is one deferred "find child by browse name" hop. Segments are
// produced by Server.Find and Client.Find and do nothing until resolved.
type PathSegment interface {
	// from performs the single-hop lookup, returning nil on failure.
	from(origin NodeID) NodeID
}

// Resolve folds the segments over origin left to right, one child hop per
// segment. The first failed hop short-circuits every following hop to the
// nil sentinel. Resolution never mutates the address space and is safe to
// repeat.
func Resolve(origin NodeID, segments ...PathSegment) NodeID {
	node := origin
	for _, seg := range segments {
		if IsNilNode(node) {
			return nil
		}
		node = seg.from(node)
	}
	return node
}

// FindNodeInServer defers a child lookup against a server's own address
// space. No I/O is involved; the namespace tables are walked in process.
type FindNodeInServer struct {
	srv        *Server
	browseName string
	ns         uint16
}

func (f FindNodeInServer) from(origin NodeID) NodeID {
	if f.srv == nil || IsNilNode(origin) {
		return nil
	}
	return f.srv.findChild(origin, ua.QualifiedName{NamespaceIndex: f.ns, Name: f.browseName})
}

// FindNodeInClient defers a child lookup through a connected client. The
// hop is resolved with a TranslateBrowsePaths request and may block on
// network I/O.
type FindNodeInClient struct {
	cli        *Client
	browseName string
	ns         uint16
}

func (f FindNodeInClient) from(origin NodeID) NodeID {
	if f.cli == nil || IsNilNode(origin) {
		return nil
	}
	req := &ua.TranslateBrowsePathsToNodeIDsRequest{
		BrowsePaths: []ua.BrowsePath{
			{
				StartingNode: origin,
				RelativePath: ua.RelativePath{
					Elements: []ua.RelativePathElement{
						{
							ReferenceTypeID: ua.ReferenceTypeIDHierarchicalReferences,
							IsInverse:       false,
							IncludeSubtypes: true,
							TargetName:      ua.QualifiedName{NamespaceIndex: f.ns, Name: f.browseName},
						},
					},
				},
			},
		},
	}
	res, err := f.cli.ch.TranslateBrowsePathsToNodeIDs(context.Background(), req)
	if err != nil {
		f.cli.log.WithError(err).Debugf("translate browse path %q failed", f.browseName)
		return nil
	}
	if len(res.Results) == 0 || res.Results[0].StatusCode.IsBad() || len(res.Results[0].Targets) == 0 {
		return nil
	}
	return ua.ToNodeID(res.Results[0].Targets[0].TargetID, f.cli.namespaceURIs())
}
