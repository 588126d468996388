package opcua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVariableScalars(t *testing.T) {
	cases := []struct {
		value any
		tag   DataType
	}{
		{true, TypeBoolean},
		{int8(-3), TypeSByte},
		{uint8(7), TypeByte},
		{int16(-300), TypeInt16},
		{uint16(300), TypeUInt16},
		{int32(-70000), TypeInt32},
		{uint32(70000), TypeUInt32},
		{int64(-1 << 40), TypeInt64},
		{uint64(1 << 40), TypeUInt64},
		{float32(1.5), TypeFloat},
		{3.25, TypeDouble},
		{"frame2013", TypeString},
	}
	for _, tc := range cases {
		v, err := NewVariable(tc.value)
		require.NoError(t, err, "value %v", tc.value)
		assert.Equal(t, tc.tag, v.DataType())
		assert.Equal(t, uint32(1), v.Size())
		assert.False(t, v.Empty())
		assert.Equal(t, tc.value, v.Data())
	}
}

func TestNewVariableArrays(t *testing.T) {
	v, err := NewVariable([]int32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, TypeInt32, v.DataType())
	assert.Equal(t, uint32(3), v.Size())

	strs, err := NewVariable([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, TypeString, strs.DataType())
	assert.Equal(t, uint32(2), strs.Size())

	_, err = NewVariable([]bool{true})
	assert.Error(t, err)

	_, err = NewVariable(struct{ X int }{1})
	assert.Error(t, err)
}

func TestCast(t *testing.T) {
	v := MustVariable(int32(42))

	got, err := Cast[int32](v)
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)

	_, err = Cast[int64](v)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Cast[float64](v)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	assert.Equal(t, int32(42), MustCast[int32](v))
	assert.Panics(t, func() { MustCast[string](v) })
}

func TestCastArrayIsCopied(t *testing.T) {
	v := MustVariable([]uint16{1, 2, 3})
	arr := MustCast[[]uint16](v)
	arr[0] = 99
	again := MustCast[[]uint16](v)
	assert.Equal(t, uint16(1), again[0])
}

func TestEqualIgnoresNames(t *testing.T) {
	a := MustVariable(3.5)
	a.BrowseName = "alpha"
	b := MustVariable(3.5)
	b.BrowseName = "beta"
	b.DisplayName = "Beta"
	assert.True(t, a.Equal(b))

	c := MustVariable(3.6)
	assert.False(t, a.Equal(c))

	d := MustVariable(float32(3.5))
	assert.False(t, a.Equal(d))

	e := MustVariable([]float64{3.5})
	assert.False(t, a.Equal(e))
}

func TestVariableTypeDefaults(t *testing.T) {
	vt, err := NewVariableType([]int32{10, 20})
	require.NoError(t, err)
	assert.Equal(t, TypeInt32, vt.DataType())
	assert.Equal(t, uint32(2), vt.Size())
	assert.False(t, vt.Empty())

	def, err := CastDefault[[]int32](vt)
	require.NoError(t, err)
	assert.Equal(t, []int32{10, 20}, def)

	var empty VariableType
	assert.True(t, empty.Empty())
}

func TestVariableFromIsIndependent(t *testing.T) {
	vt, err := NewVariableType([]float64{1.0, 2.0})
	require.NoError(t, err)
	v := VariableFrom(vt)
	require.NotNil(t, v.Type())
	assert.Equal(t, vt.DataType(), v.DataType())
	assert.Equal(t, vt.Size(), v.Size())

	// mutating the copy handed out by the instance must not leak back
	arr := MustCast[[]float64](v)
	arr[0] = 42.0
	def, err := CastDefault[[]float64](vt)
	require.NoError(t, err)
	assert.Equal(t, 1.0, def[0])
	again := MustCast[[]float64](v)
	assert.Equal(t, 1.0, again[0])
}

func TestVariableFromDataValueBadStatus(t *testing.T) {
	v := MustVariable(uint32(5))
	dv := v.dataValue()
	back := variableFromDataValue(dv)
	assert.True(t, v.Equal(back))
}
