// Package checksum implements the salted rolling checksum used to verify
// logpack headers and record payloads.
//
// checksum(bytes, salt) = finish(partial(salt, bytes))
//
// The salt is fixed per device at format time and folded in as the seed of
// an XXH3 streaming hash, so two devices formatted with different salts
// never agree on the checksum of identical bytes.
package checksum

import (
	"github.com/zeebo/xxh3"
)

// Salt is the per-device salt mixed into every checksum computed on that
// device (superblock field `checksum_salt`).
type Salt uint32

// Value computes the salted checksum of data in one call.
func Value(salt Salt, data []byte) uint32 {
	h := New(salt)
	h.Write(data)
	return h.Sum32()
}

// Hasher is a streaming salted checksum, the Go expression of the
// partial/finish split used to checksum a logpack incrementally.
type Hasher struct {
	h *xxh3.Hasher
}

// New starts a new streaming hasher seeded with salt.
func New(salt Salt) *Hasher {
	return &Hasher{h: xxh3.NewSeed(uint64(salt))}
}

// Write folds more bytes into the running checksum. Never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum32 finishes the checksum, truncating the 64-bit XXH3 digest to the
// 32-bit field width the on-disk formats use.
func (h *Hasher) Sum32() uint32 {
	return uint32(h.h.Sum64())
}

// Reset allows a Hasher to be reused for a fresh salt (e.g. across devices
// sharing one process).
func (h *Hasher) Reset(salt Salt) {
	h.h.Reset()
	h.h = xxh3.NewSeed(uint64(salt))
}

// Verify reports whether data's checksum equals want under salt.
func Verify(salt Salt, data []byte, want uint32) bool {
	return Value(salt, data) == want
}
