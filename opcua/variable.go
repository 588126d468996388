package opcua

import (
	"reflect"
	"time"

	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// Access level bits for the AccessLevel bitmask of a Variable.
const (
	VariableRead  byte = ua.AccessLevelsCurrentRead
	VariableWrite byte = ua.AccessLevelsCurrentWrite
)

// ErrTypeMismatch is returned by Cast when the requested type does not match
// the runtime type tag of the stored value. It marks a programmer error; no
// numeric coercion is ever attempted.
var ErrTypeMismatch = errors.New("variable type mismatch")

// VariableType is the prototype for the shape of a Variable: naming metadata
// plus a default value with its runtime tag. The zero VariableType is empty.
type VariableType struct {
	// NamespaceIndex is the namespace the browse name lives in, default 1.
	NamespaceIndex uint16
	// BrowseName must be unique among siblings within the namespace.
	BrowseName string
	// DisplayName is the localized, non-unique name shown to clients.
	DisplayName string
	Description string

	value    any
	dataType DataType
	size     uint32
}

// NewVariableType builds a variable type holding the given default value.
// The value must be a scalar of the supported primitive kinds or a slice of
// any non-boolean kind.
func NewVariableType(value any) (VariableType, error) {
	stored, tag, size, err := taggedValue(value)
	if err != nil {
		return VariableType{}, errors.Wrap(err, "new variable type")
	}
	return VariableType{NamespaceIndex: 1, value: stored, dataType: tag, size: size}, nil
}

// Data returns the stored default value.
func (t VariableType) Data() any { return cloneValue(t.value) }

// DataType returns the runtime type tag.
func (t VariableType) DataType() DataType { return t.dataType }

// Size returns the element count, 0 when no value has been set.
func (t VariableType) Size() uint32 { return t.size }

// Empty reports whether no default value has been set.
func (t VariableType) Empty() bool { return t.size == 0 }

// Variable is an instance value: naming metadata, an access-level bitmask,
// an optional back-reference to its originating VariableType, and the
// type-erased value itself.
type Variable struct {
	NamespaceIndex uint16
	BrowseName     string
	DisplayName    string
	Description    string
	// AccessLevel combines VariableRead and VariableWrite.
	AccessLevel byte

	vtype    *VariableType
	value    any
	dataType DataType
	size     uint32
}

// NewVariable builds a variable from a scalar or slice of the supported
// kinds. Both read and write access are granted by default.
func NewVariable(value any) (Variable, error) {
	stored, tag, size, err := taggedValue(value)
	if err != nil {
		return Variable{}, errors.Wrap(err, "new variable")
	}
	return Variable{
		NamespaceIndex: 1,
		AccessLevel:    VariableRead | VariableWrite,
		value:          stored,
		dataType:       tag,
		size:           size,
	}, nil
}

// MustVariable is NewVariable for values known valid at compile time.
func MustVariable(value any) Variable {
	v, err := NewVariable(value)
	if err != nil {
		panic(err)
	}
	return v
}

// VariableFrom creates a variable from a variable type. The default value,
// tag and size are copied at construction time; the new variable is fully
// independent of later changes to the type.
func VariableFrom(vtype VariableType) Variable {
	t := vtype
	return Variable{
		NamespaceIndex: vtype.NamespaceIndex,
		AccessLevel:    VariableRead | VariableWrite,
		vtype:          &t,
		value:          cloneValue(vtype.value),
		dataType:       vtype.dataType,
		size:           vtype.size,
	}
}

// Type returns the originating VariableType, or nil for ad hoc variables.
// When set, the server uses it to link the variable node to its variable
// type node instead of BaseDataVariableType.
func (v Variable) Type() *VariableType { return v.vtype }

// Data returns the stored value.
func (v Variable) Data() any { return cloneValue(v.value) }

// DataType returns the runtime type tag.
func (v Variable) DataType() DataType { return v.dataType }

// Size returns the element count, 0 for an uninitialized variable.
func (v Variable) Size() uint32 { return v.size }

// Empty reports whether the variable holds no value.
func (v Variable) Empty() bool { return v.size == 0 }

// Equal reports structural equality: type tag, element count and value must
// match. Browse names, display names and descriptions are ignored.
func (v Variable) Equal(other Variable) bool {
	if v.dataType != other.dataType || v.size != other.size {
		return false
	}
	return reflect.DeepEqual(v.value, other.value)
}

// Cast extracts the stored value as T. It fails with ErrTypeMismatch when T
// is not the exact stored type; there is no implicit numeric conversion.
func Cast[T any](v Variable) (T, error) {
	val, ok := v.value.(T)
	if !ok {
		var zero T
		return zero, errors.Wrapf(ErrTypeMismatch, "stored %s, requested %T", v.dataType, zero)
	}
	return cloneValue(val).(T), nil
}

// MustCast is Cast that panics on mismatch, mirroring the hard-failure
// contract for programmer errors.
func MustCast[T any](v Variable) T {
	val, err := Cast[T](v)
	if err != nil {
		panic(err)
	}
	return val
}

// CastDefault extracts the default value of a variable type as T.
func CastDefault[T any](t VariableType) (T, error) {
	val, ok := t.value.(T)
	if !ok {
		var zero T
		return zero, errors.Wrapf(ErrTypeMismatch, "stored %s, requested %T", t.dataType, zero)
	}
	return cloneValue(val).(T), nil
}

// valueRank and arrayDimensions describe the shape for node attributes.
func (v Variable) valueRank() int32 {
	if _, scalar := scalarKind(v.value); scalar {
		return ua.ValueRankScalar
	}
	return ua.ValueRankOneDimension
}

func (v Variable) arrayDimensions() []uint32 {
	if v.valueRank() == ua.ValueRankScalar {
		return nil
	}
	return []uint32{v.size}
}

func (t VariableType) valueRank() int32 {
	if _, scalar := scalarKind(t.value); scalar {
		return ua.ValueRankScalar
	}
	return ua.ValueRankOneDimension
}

func (t VariableType) arrayDimensions() []uint32 {
	if t.valueRank() == ua.ValueRankScalar {
		return nil
	}
	return []uint32{t.size}
}

func scalarKind(value any) (DataType, bool) {
	switch value.(type) {
	case bool:
		return TypeBoolean, true
	case int8:
		return TypeSByte, true
	case uint8:
		return TypeByte, true
	case int16:
		return TypeInt16, true
	case uint16:
		return TypeUInt16, true
	case int32:
		return TypeInt32, true
	case uint32:
		return TypeUInt32, true
	case int64:
		return TypeInt64, true
	case uint64:
		return TypeUInt64, true
	case float32:
		return TypeFloat, true
	case float64:
		return TypeDouble, true
	case string:
		return TypeString, true
	}
	return TypeNull, false
}

// dataValue wraps the stored value for the protocol stack, stamping the
// source and server timestamps the way the stack expects.
func (v Variable) dataValue() ua.DataValue {
	t := time.Now().UTC()
	return ua.NewDataValue(ua.Variant(cloneValue(v.value)), 0, t, 0, t, 0)
}

// variableFromDataValue rebuilds a Variable from a protocol DataValue. A bad
// status or a value outside the supported whitelist yields an empty Variable.
func variableFromDataValue(dv ua.DataValue) Variable {
	if dv.StatusCode.IsBad() || dv.Value == nil {
		return Variable{}
	}
	raw := dv.Value
	if bs, ok := raw.(ua.ByteString); ok {
		raw = []byte(string(bs))
	}
	v, err := NewVariable(raw)
	if err != nil {
		return Variable{}
	}
	return v
}
