package opcua

import (
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// DataType tags the runtime type of the value held by a Variable or
// VariableType. The set is closed: scalars of every tag, arrays of every
// tag except Boolean.
type DataType uint8

const (
	TypeNull DataType = iota
	TypeBoolean
	TypeSByte
	TypeByte
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat
	TypeDouble
	TypeString
)

var dataTypeNames = map[DataType]string{
	TypeNull:    "Null",
	TypeBoolean: "Boolean",
	TypeSByte:   "SByte",
	TypeByte:    "Byte",
	TypeInt16:   "Int16",
	TypeUInt16:  "UInt16",
	TypeInt32:   "Int32",
	TypeUInt32:  "UInt32",
	TypeInt64:   "Int64",
	TypeUInt64:  "UInt64",
	TypeFloat:   "Float",
	TypeDouble:  "Double",
	TypeString:  "String",
}

func (t DataType) String() string {
	if s, ok := dataTypeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// NodeID returns the ns=0 data type node the tag maps to on the wire.
func (t DataType) NodeID() ua.NodeID {
	switch t {
	case TypeBoolean:
		return ua.DataTypeIDBoolean
	case TypeSByte:
		return ua.DataTypeIDSByte
	case TypeByte:
		return ua.DataTypeIDByte
	case TypeInt16:
		return ua.DataTypeIDInt16
	case TypeUInt16:
		return ua.DataTypeIDUInt16
	case TypeInt32:
		return ua.DataTypeIDInt32
	case TypeUInt32:
		return ua.DataTypeIDUInt32
	case TypeInt64:
		return ua.DataTypeIDInt64
	case TypeUInt64:
		return ua.DataTypeIDUInt64
	case TypeFloat:
		return ua.DataTypeIDFloat
	case TypeDouble:
		return ua.DataTypeIDDouble
	case TypeString:
		return ua.DataTypeIDString
	}
	return ua.DataTypeIDBaseDataType
}

// taggedValue classifies a caller-supplied value against the whitelist and
// deep-copies array payloads. size is the element count, 1 for scalars.
func taggedValue(value any) (stored any, tag DataType, size uint32, err error) {
	switch v := value.(type) {
	case bool:
		return v, TypeBoolean, 1, nil
	case int8:
		return v, TypeSByte, 1, nil
	case uint8:
		return v, TypeByte, 1, nil
	case int16:
		return v, TypeInt16, 1, nil
	case uint16:
		return v, TypeUInt16, 1, nil
	case int32:
		return v, TypeInt32, 1, nil
	case uint32:
		return v, TypeUInt32, 1, nil
	case int64:
		return v, TypeInt64, 1, nil
	case uint64:
		return v, TypeUInt64, 1, nil
	case float32:
		return v, TypeFloat, 1, nil
	case float64:
		return v, TypeDouble, 1, nil
	case string:
		return v, TypeString, 1, nil
	case []bool:
		return nil, TypeNull, 0, errors.New("arrays of Boolean are not supported")
	case []int8:
		return append([]int8(nil), v...), TypeSByte, uint32(len(v)), nil
	case []uint8:
		return append([]uint8(nil), v...), TypeByte, uint32(len(v)), nil
	case []int16:
		return append([]int16(nil), v...), TypeInt16, uint32(len(v)), nil
	case []uint16:
		return append([]uint16(nil), v...), TypeUInt16, uint32(len(v)), nil
	case []int32:
		return append([]int32(nil), v...), TypeInt32, uint32(len(v)), nil
	case []uint32:
		return append([]uint32(nil), v...), TypeUInt32, uint32(len(v)), nil
	case []int64:
		return append([]int64(nil), v...), TypeInt64, uint32(len(v)), nil
	case []uint64:
		return append([]uint64(nil), v...), TypeUInt64, uint32(len(v)), nil
	case []float32:
		return append([]float32(nil), v...), TypeFloat, uint32(len(v)), nil
	case []float64:
		return append([]float64(nil), v...), TypeDouble, uint32(len(v)), nil
	case []string:
		return append([]string(nil), v...), TypeString, uint32(len(v)), nil
	}
	return nil, TypeNull, 0, errors.Errorf("unsupported value kind %T", value)
}

// cloneValue deep-copies array payloads so extracted values never alias the
// stored ones. Scalars and strings are value types already.
func cloneValue(value any) any {
	switch v := value.(type) {
	case []int8:
		return append([]int8(nil), v...)
	case []uint8:
		return append([]uint8(nil), v...)
	case []int16:
		return append([]int16(nil), v...)
	case []uint16:
		return append([]uint16(nil), v...)
	case []int32:
		return append([]int32(nil), v...)
	case []uint32:
		return append([]uint32(nil), v...)
	case []int64:
		return append([]int64(nil), v...)
	case []uint64:
		return append([]uint64(nil), v...)
	case []float32:
		return append([]float32(nil), v...)
	case []float64:
		return append([]float64(nil), v...)
	case []string:
		return append([]string(nil), v...)
	}
	return value
}
