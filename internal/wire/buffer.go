// Package wire implements the message codec: a growable byte buffer with
// typed read/write primitives and a bit-packed boolean stream, shared by
// every application payload the relay core produces or consumes.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Buffer is a growable byte buffer with a logical length (the high-water
// mark of written bytes, where every write appends), a read cursor, and a
// bit accumulator used to pack consecutive bool writes into a single byte.
type Buffer struct {
	data   []byte
	length int
	cursor int

	bitByte byte
	bitPos  int
}

// NewBuffer returns an empty, write-mode Buffer with the given initial
// capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, capacity)}
}

// NewBufferFromBytes returns a read-mode Buffer over a copy of data.
func NewBufferFromBytes(data []byte) *Buffer {
	b := make([]byte, len(data))
	copy(b, data)
	return &Buffer{data: b, length: len(b)}
}

// ToBytes returns a copy of the logical prefix of the buffer (the bytes
// actually written, not the full backing array).
func (b *Buffer) ToBytes() []byte {
	b.flushBits()
	out := make([]byte, b.length)
	copy(out, b.data[:b.length])
	return out
}

// Data returns the underlying backing array, including any unused
// capacity past the logical length.
func (b *Buffer) Data() []byte {
	return b.data
}

// Len returns the logical length in bytes.
func (b *Buffer) Len() int {
	return b.length
}

// Remaining returns the number of unread bytes in read mode.
func (b *Buffer) Remaining() int {
	return b.length - b.cursor
}

func (b *Buffer) ensure(extra int) {
	needed := b.length + extra
	if needed <= cap(b.data) {
		return
	}
	grown := cap(b.data) * 2
	if grown < needed {
		grown = needed
	}
	next := make([]byte, grown)
	copy(next, b.data[:b.length])
	b.data = next
}

// flushBits appends the partially filled bit accumulator as a single byte
// and resets it. Any non-bool write must call this before appending its
// own bytes.
func (b *Buffer) flushBits() {
	if b.bitPos == 0 {
		return
	}
	b.appendRaw([]byte{b.bitByte})
	b.bitByte = 0
	b.bitPos = 0
}

func (b *Buffer) appendRaw(p []byte) {
	b.ensure(len(p))
	copy(b.data[b.length:], p)
	b.length += len(p)
}

func (b *Buffer) readRaw(n int) ([]byte, error) {
	if b.cursor+n > b.length {
		return nil, fmt.Errorf("wire: read past logical length (want %d, have %d)", n, b.length-b.cursor)
	}
	out := b.data[b.cursor : b.cursor+n]
	b.cursor += n
	return out, nil
}

// WriteBool packs a boolean into the shared bit accumulator, LSB-first,
// overflowing into a new byte at 8 bits.
func (b *Buffer) WriteBool(v bool) {
	if v {
		b.bitByte |= 1 << uint(b.bitPos)
	}
	b.bitPos++
	if b.bitPos == 8 {
		b.flushBits()
	}
}

// ReadBool consumes one bit from the shared bit accumulator, refilling
// from a fresh byte when the accumulator is empty.
func (b *Buffer) ReadBool() (bool, error) {
	if b.bitPos == 0 {
		raw, err := b.readRaw(1)
		if err != nil {
			return false, err
		}
		b.bitByte = raw[0]
	}
	bit := (b.bitByte>>uint(b.bitPos))&1 != 0
	b.bitPos = (b.bitPos + 1) % 8
	return bit, nil
}

// WriteU8 writes a single byte, flushing any pending bit accumulator first.
func (b *Buffer) WriteU8(v uint8) {
	b.flushBits()
	b.appendRaw([]byte{v})
}

// ReadU8 reads a single byte.
func (b *Buffer) ReadU8() (uint8, error) {
	raw, err := b.readRaw(1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

// WriteI16 writes a little-endian signed 16-bit integer.
func (b *Buffer) WriteI16(v int16) {
	b.flushBits()
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(v))
	b.appendRaw(buf[:])
}

// ReadI16 reads a little-endian signed 16-bit integer.
func (b *Buffer) ReadI16() (int16, error) {
	raw, err := b.readRaw(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(raw)), nil
}

// WriteI32 writes a little-endian signed 32-bit integer.
func (b *Buffer) WriteI32(v int32) {
	b.flushBits()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	b.appendRaw(buf[:])
}

// ReadI32 reads a little-endian signed 32-bit integer.
func (b *Buffer) ReadI32() (int32, error) {
	raw, err := b.readRaw(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(raw)), nil
}

// WriteI64 writes a little-endian signed 64-bit integer.
func (b *Buffer) WriteI64(v int64) {
	b.flushBits()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	b.appendRaw(buf[:])
}

// ReadI64 reads a little-endian signed 64-bit integer.
func (b *Buffer) ReadI64() (int64, error) {
	raw, err := b.readRaw(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(raw)), nil
}

// WriteF32 writes a little-endian IEEE-754 32-bit float.
func (b *Buffer) WriteF32(v float32) {
	b.WriteI32(int32(math.Float32bits(v)))
}

// ReadF32 reads a little-endian IEEE-754 32-bit float.
func (b *Buffer) ReadF32() (float32, error) {
	bits, err := b.ReadI32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(bits)), nil
}

// WriteF64 writes a little-endian IEEE-754 64-bit float.
func (b *Buffer) WriteF64(v float64) {
	b.WriteI64(int64(math.Float64bits(v)))
}

// ReadF64 reads a little-endian IEEE-754 64-bit float.
func (b *Buffer) ReadF64() (float64, error) {
	bits, err := b.ReadI64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(bits)), nil
}

// WriteString writes an i32 byte-length prefix followed by the UTF-8
// bytes of s, with no null terminator and no BOM.
func (b *Buffer) WriteString(s string) {
	b.WriteI32(int32(len(s)))
	b.flushBits()
	b.appendRaw([]byte(s))
}

// ReadString reads an i32-length-prefixed UTF-8 string.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadI32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("wire: negative string length %d", n)
	}
	raw, err := b.readRaw(int(n))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// WriteBytes writes a byte slice, optionally prefixed with its i32 length.
func (b *Buffer) WriteBytes(p []byte, lengthPrefixed bool) {
	if lengthPrefixed {
		b.WriteI32(int32(len(p)))
	}
	b.flushBits()
	b.appendRaw(p)
}

// ReadBytes reads n bytes, or, if n < 0, first reads an i32 length prefix
// and then that many bytes.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		length, err := b.ReadI32()
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, fmt.Errorf("wire: negative byte length %d", length)
		}
		n = int(length)
	}
	raw, err := b.readRaw(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}
