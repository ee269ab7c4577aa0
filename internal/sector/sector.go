// Package sector implements aligned physical-block buffers and sector
// arrays.
package sector

import (
	"fmt"

	"github.com/cloudwego/gopkg/cache/mempool"
)

// Size is a block size in bytes. Must be a power of two, >= 512, and no
// larger than the host page size.
type Size int

// Validate checks the power-of-two / range constraints on a block size.
func (s Size) Validate() error {
	if s < 512 {
		return fmt.Errorf("sector: block size %d below minimum 512", s)
	}
	if s&(s-1) != 0 {
		return fmt.Errorf("sector: block size %d not a power of two", s)
	}
	return nil
}

// Buffer is a single physical-block-aligned buffer.
type Buffer struct {
	bs   Size
	data []byte
}

// New allocates a zeroed buffer of exactly bs bytes.
//
// mempool.Malloc does not guarantee zeroed memory, so New zeroes it
//
func New(bs Size) *Buffer {
	b := &Buffer{bs: bs, data: mempool.Malloc(int(bs))}
	b.Zero()
	return b
}

// NewFromBytes wraps an existing bs-sized slice without copying.
func NewFromBytes(bs Size, data []byte) (*Buffer, error) {
	if len(data) != int(bs) {
		return nil, fmt.Errorf("sector: buffer length %d does not match block size %d", len(data), bs)
	}
	return &Buffer{bs: bs, data: data}, nil
}

// Bytes returns the underlying block-sized slice.
func (b *Buffer) Bytes() []byte { return b.data }

// Size returns the buffer's physical block size.
func (b *Buffer) Size() Size { return b.bs }

// Zero clears the buffer to all zero bytes.
func (b *Buffer) Zero() {
	for i := range b.data {
		b.data[i] = 0
	}
}

// CopyFrom copies src into this buffer, truncating/zero-padding to bs.
func (b *Buffer) CopyFrom(src []byte) {
	n := copy(b.data, src)
	for i := n; i < len(b.data); i++ {
		b.data[i] = 0
	}
}

// Clone returns an independent deep copy.
func (b *Buffer) Clone() *Buffer {
	out := New(b.bs)
	copy(out.data, b.data)
	return out
}

// Equal reports whether two buffers hold identical bytes.
func Equal(a, b *Buffer) bool {
	if a.bs != b.bs {
		return false
	}
	for i := range a.data {
		if a.data[i] != b.data[i] {
			return false
		}
	}
	return true
}

// Release returns the buffer's storage to the shared pool. The Buffer must
// not be used after Release.
func (b *Buffer) Release() {
	if b.data != nil {
		mempool.Free(b.data)
		b.data = nil
	}
}

// Array is a logically contiguous buffer of N equal-sized blocks,
// supporting byte-range copy-in/copy-out and growth/shrink while
// preserving existing content.
type Array struct {
	bs     Size
	nBlock int
	data   []byte
}

// NewArray allocates an array of n zeroed blocks of size bs.
func NewArray(bs Size, n int) *Array {
	a := &Array{bs: bs, nBlock: n, data: mempool.Malloc(int(bs) * n)}
	for i := range a.data {
		a.data[i] = 0
	}
	return a
}

// Len returns the number of blocks in the array.
func (a *Array) Len() int { return a.nBlock }

// BlockSize returns the array's physical block size.
func (a *Array) BlockSize() Size { return a.bs }

// Bytes returns the full underlying byte slice.
func (a *Array) Bytes() []byte { return a.data }

// Block returns the bs-sized slice for block index i.
func (a *Array) Block(i int) []byte {
	off := i * int(a.bs)
	return a.data[off : off+int(a.bs)]
}

// CopyIn copies src into the array starting at byte offset off.
func (a *Array) CopyIn(off int, src []byte) error {
	if off < 0 || off+len(src) > len(a.data) {
		return fmt.Errorf("sector: copy-in [%d,%d) out of range [0,%d)", off, off+len(src), len(a.data))
	}
	copy(a.data[off:off+len(src)], src)
	return nil
}

// CopyOut copies the [off, off+len(dst)) byte range into dst.
func (a *Array) CopyOut(off int, dst []byte) error {
	if off < 0 || off+len(dst) > len(a.data) {
		return fmt.Errorf("sector: copy-out [%d,%d) out of range [0,%d)", off, off+len(dst), len(a.data))
	}
	copy(dst, a.data[off:off+len(dst)])
	return nil
}

// Resize grows or shrinks the array to n blocks, preserving existing
// content up to the smaller of the old and new sizes.
func (a *Array) Resize(n int) {
	if n == a.nBlock {
		return
	}
	newData := mempool.Malloc(int(a.bs) * n)
	copied := copy(newData, a.data)
	for i := copied; i < len(newData); i++ {
		newData[i] = 0
	}
	mempool.Free(a.data)
	a.data = newData
	a.nBlock = n
}

// Release returns the array's storage to the shared pool.
func (a *Array) Release() {
	if a.data != nil {
		mempool.Free(a.data)
		a.data = nil
	}
}
