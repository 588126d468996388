package opcua

// ObjectType describes an object type node: a named set of mandatory
// variable and method children, optionally deriving from a base type.
type ObjectType struct {
	NamespaceIndex uint16
	BrowseName     string
	DisplayName    string
	Description    string

	base      *ObjectType
	variables map[string]Variable
	methods   map[string]Method
}

// AddVariable registers a variable child, keyed by its browse name.
func (t *ObjectType) AddVariable(v Variable) {
	if t.variables == nil {
		t.variables = make(map[string]Variable)
	}
	t.variables[v.BrowseName] = v
}

// AddMethod registers a method child, keyed by its browse name.
func (t *ObjectType) AddMethod(m Method) {
	if t.methods == nil {
		t.methods = make(map[string]Method)
	}
	t.methods[m.BrowseName] = m
}

// SetBase links a base object type; instances resolve their type node by
// walking the base chain from BaseObjectType downward.
func (t *ObjectType) SetBase(base *ObjectType) { t.base = base }

// Base returns the base object type, nil when deriving directly from
// BaseObjectType.
func (t *ObjectType) Base() *ObjectType { return t.base }

// Variables returns the variable children keyed by browse name.
func (t *ObjectType) Variables() map[string]Variable { return t.variables }

// Methods returns the method children keyed by browse name.
func (t *ObjectType) Methods() map[string]Method { return t.methods }

// Empty reports whether the type declares nothing at all.
func (t *ObjectType) Empty() bool {
	return len(t.variables) == 0 && len(t.methods) == 0 && t.base == nil
}

// Object describes an object node: an optional originating ObjectType plus
// its own variable and method children.
type Object struct {
	NamespaceIndex uint16
	BrowseName     string
	DisplayName    string
	Description    string

	otype     *ObjectType
	variables map[string]Variable
	methods   map[string]Method
}

// ObjectFrom creates an object instance of the given type. The type's
// children are copied; later additions to either side stay independent.
func ObjectFrom(otype ObjectType) Object {
	t := otype
	obj := Object{
		NamespaceIndex: otype.NamespaceIndex,
		otype:          &t,
		variables:      make(map[string]Variable, len(otype.variables)),
		methods:        make(map[string]Method, len(otype.methods)),
	}
	for k, v := range otype.variables {
		obj.variables[k] = v
	}
	for k, m := range otype.methods {
		obj.methods[k] = m
	}
	return obj
}

// Type returns the originating ObjectType, nil for ad hoc objects.
func (o *Object) Type() *ObjectType { return o.otype }

// AddVariable registers an (additional) variable child.
func (o *Object) AddVariable(v Variable) {
	if o.variables == nil {
		o.variables = make(map[string]Variable)
	}
	o.variables[v.BrowseName] = v
}

// AddMethod registers an (additional) method child.
func (o *Object) AddMethod(m Method) {
	if o.methods == nil {
		o.methods = make(map[string]Method)
	}
	o.methods[m.BrowseName] = m
}

// Variable returns the child with the given browse name.
func (o *Object) Variable(browseName string) (Variable, bool) {
	v, ok := o.variables[browseName]
	return v, ok
}

// Variables returns the variable children keyed by browse name.
func (o *Object) Variables() map[string]Variable { return o.variables }

// Methods returns the method children keyed by browse name.
func (o *Object) Methods() map[string]Method { return o.methods }
