package opcua

// View describes a view node organizing a subset of existing nodes under
// the ViewsFolder.
type View struct {
	NamespaceIndex uint16
	BrowseName     string
	DisplayName    string
	Description    string

	nodes []NodeID
}

// AddNode appends an existing node to the view.
func (v *View) AddNode(id NodeID) { v.nodes = append(v.nodes, id) }

// Nodes returns the organized nodes in insertion order.
func (v *View) Nodes() []NodeID { return v.nodes }
