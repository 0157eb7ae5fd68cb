package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferRoundTripScalars(t *testing.T) {
	w := NewBuffer(4)
	w.WriteU8(0x42)
	w.WriteI16(-1234)
	w.WriteI32(567890)
	w.WriteI64(-9876543210)
	w.WriteF32(3.5)
	w.WriteF64(2.71828)
	w.WriteString("hello world")
	w.WriteBytes([]byte{0xAA, 0xBB, 0xCC}, true)
	w.WriteBytes([]byte{0x01, 0x02}, false)

	r := NewBufferFromBytes(w.ToBytes())

	u8, err := r.ReadU8()
	require.NoError(t, err)
	require.EqualValues(t, 0x42, u8)

	i16, err := r.ReadI16()
	require.NoError(t, err)
	require.EqualValues(t, -1234, i16)

	i32, err := r.ReadI32()
	require.NoError(t, err)
	require.EqualValues(t, 567890, i32)

	i64, err := r.ReadI64()
	require.NoError(t, err)
	require.EqualValues(t, -9876543210, i64)

	f32, err := r.ReadF32()
	require.NoError(t, err)
	require.Equal(t, float32(3.5), f32)

	f64, err := r.ReadF64()
	require.NoError(t, err)
	require.Equal(t, 2.71828, f64)

	str, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "hello world", str)

	lenPrefixed, err := r.ReadBytes(-1)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, lenPrefixed)

	explicit, err := r.ReadBytes(2)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, explicit)
}

func TestBufferBoolPacking(t *testing.T) {
	w := NewBuffer(4)
	bits := []bool{true, false, true, true, false, false, true, false, true}
	for _, bit := range bits {
		w.WriteBool(bit)
	}
	// 9 bools span two bytes; ToBytes must flush the second partial byte.
	out := w.ToBytes()
	require.Len(t, out, 2)

	r := NewBufferFromBytes(out)
	for i, want := range bits {
		got, err := r.ReadBool()
		require.NoErrorf(t, err, "bit %d", i)
		require.Equalf(t, want, got, "bit %d", i)
	}
}

func TestBufferBoolThenScalarAlignsToByteBoundary(t *testing.T) {
	w := NewBuffer(4)
	w.WriteBool(true)
	w.WriteBool(false)
	w.WriteBool(true)
	w.WriteU8(0x99) // flushes the 3-bit accumulator as its own byte first

	out := w.ToBytes()
	require.Len(t, out, 2)
	require.Equal(t, byte(0x99), out[1])

	r := NewBufferFromBytes(out)
	b1, _ := r.ReadBool()
	b2, _ := r.ReadBool()
	b3, _ := r.ReadBool()
	require.True(t, b1)
	require.False(t, b2)
	require.True(t, b3)

	u8, err := r.ReadU8()
	require.NoError(t, err)
	require.EqualValues(t, 0x99, u8)
}

func TestBufferReadPastLengthErrors(t *testing.T) {
	r := NewBufferFromBytes([]byte{0x01})
	_, err := r.ReadI32()
	require.Error(t, err)
}

func TestBufferGrowthPolicy(t *testing.T) {
	w := NewBuffer(1)
	for i := 0; i < 100; i++ {
		w.WriteU8(byte(i))
	}
	out := w.ToBytes()
	require.Len(t, out, 100)
	for i, v := range out {
		require.EqualValues(t, i, v)
	}
}
