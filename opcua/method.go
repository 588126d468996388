package opcua

import "context"

// Argument declares one input or output parameter of a method: its name,
// the runtime type tag of the value, and the element count contract
// (1 for scalars). Arity and types are a per-method contract between the
// registering application and its callers; the engine only publishes them.
type Argument struct {
	Name        string
	Description string
	Type        DataType
	// Dims is the declared element count; 1 means scalar.
	Dims uint32
}

// MethodCallback is the native handler the stack invokes when a client
// calls the method. Inputs arrive as an ordered variable list matching
// IArgs; the returned list populates the call's output arguments. A non-nil
// error maps to a bad status for the whole call.
type MethodCallback func(ctx context.Context, inputs []Variable) ([]Variable, error)

// Method describes a method node and its native dispatch target.
type Method struct {
	NamespaceIndex uint16
	BrowseName     string
	DisplayName    string
	Description    string

	// IArgs and OArgs declare the input and output argument lists.
	IArgs []Argument
	OArgs []Argument

	// Func is invoked by the server's dispatch adapter on every call.
	Func MethodCallback
}
