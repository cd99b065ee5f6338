// Package buffer wraps memory pool slots in length-tracking byte buffers.
package buffer

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrBufferFull is returned by the fixed-width writers when fewer bytes
// remain than the value needs.
var ErrBufferFull = errors.New("buffer full")

// Buffer exclusively owns one pool slot until it is put back.
// The logical length never exceeds the slot capacity.
type Buffer struct {
	pool     *BufferPool
	slot     int
	raw      []byte
	length   int
	released bool
}

// Data returns the written part of the slot.
func (b *Buffer) Data() []byte { return b.raw[:b.length] }

// RawData returns the whole slot regardless of the logical length.
func (b *Buffer) RawData() []byte { return b.raw }

// Len returns the logical length.
func (b *Buffer) Len() int { return b.length }

// Cap returns the slot size.
func (b *Buffer) Cap() int { return len(b.raw) }

// Slot returns the index of the owned pool slot.
func (b *Buffer) Slot() int { return b.slot }

// Write appends p and returns how much of it fit. Overflow is dropped
// silently; compare n with len(p) to detect truncation.
func (b *Buffer) Write(p []byte) (int, error) {
	n := copy(b.raw[b.length:], p)
	b.length += n
	return n, nil
}

// Read copies Data into p. It returns io.EOF when nothing was written.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.length == 0 {
		return 0, io.EOF
	}
	return copy(p, b.Data()), nil
}

// SetLength sets the logical length, clamped to [0, Cap()].
func (b *Buffer) SetLength(n int) {
	b.length = max(0, min(n, len(b.raw)))
}

// Reset empties the buffer but keeps the slot.
func (b *Buffer) Reset() { b.length = 0 }

func (b *Buffer) WriteUint16(v uint16) error {
	if len(b.raw)-b.length < 2 {
		return ErrBufferFull
	}
	binary.BigEndian.PutUint16(b.raw[b.length:], v)
	b.length += 2
	return nil
}

func (b *Buffer) WriteUint32(v uint32) error {
	if len(b.raw)-b.length < 4 {
		return ErrBufferFull
	}
	binary.BigEndian.PutUint32(b.raw[b.length:], v)
	b.length += 4
	return nil
}

// ReadUint16At decodes a big endian value at off. Offsets past the logical
// length yield 0.
func (b *Buffer) ReadUint16At(off int) uint16 {
	if off < 0 || off+2 > b.length {
		return 0
	}
	return binary.BigEndian.Uint16(b.raw[off:])
}

// ReadUint32At is the 32-bit variant of ReadUint16At.
func (b *Buffer) ReadUint32At(off int) uint32 {
	if off < 0 || off+4 > b.length {
		return 0
	}
	return binary.BigEndian.Uint32(b.raw[off:])
}
