// Package iowrapper implements the in-flight IO wrapper and the bio
// fan-out service.
//
// There is no kernel bio layer to clone here; Bio models a single async
// sub-IO directed at a Backend, and Service provides the two fan-out
// operations the design notes call for: Clone (shares the caller's
// buffer) and CloneCopy (owns an independent copy, the operation that
// makes "read your own writes" safe once the original upper buffer is
// released).
package iowrapper

import (
	"context"
	"fmt"

	"github.com/walblog/walblog/internal/interfaces"
)

// Op identifies the kind of sub-IO a Bio performs.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Backend is the minimal block device surface a Bio executes against.
// LDEV and DDEV backends both satisfy this.
type Backend = interfaces.Backend

// DiscardBackend is implemented by backends that can TRIM/DISCARD.
type DiscardBackend = interfaces.DiscardBackend

// Bio is one cloned sub-IO bound to a target device.
type Bio struct {
	Target Backend
	Op     Op
	Offset int64 // bytes
	Data   []byte
	FUA    bool // force the write to persist durably (FLUSH|FUA semantics)

	done chan error
}

// NewBio constructs an unsubmitted Bio.
func NewBio(target Backend, op Op, offset int64, data []byte) *Bio {
	return &Bio{Target: target, Op: op, Offset: offset, Data: data, done: make(chan error, 1)}
}

// Submit executes the bio asynchronously. For FUA writes, the backend is
// flushed immediately after the write completes so FLUSH|FUA semantics
// hold without a separate bio.
func (b *Bio) Submit() {
	go func() {
		var err error
		switch b.Op {
		case OpRead:
			_, err = b.Target.ReadAt(b.Data, b.Offset)
		case OpWrite:
			_, err = b.Target.WriteAt(b.Data, b.Offset)
			if err == nil && b.FUA {
				err = b.Target.Flush()
			}
		case OpFlush:
			err = b.Target.Flush()
		case OpDiscard:
			if db, ok := b.Target.(DiscardBackend); ok {
				err = db.Discard(b.Offset, int64(len(b.Data)))
			}
		default:
			err = fmt.Errorf("iowrapper: unknown op %v", b.Op)
		}
		b.done <- err
	}()
}

// Wait blocks for completion or ctx cancellation.
func (b *Bio) Wait(ctx context.Context) error {
	select {
	case err := <-b.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every bio in the chain, returning the first error
// encountered (if any), after draining all of them.
func WaitAll(ctx context.Context, bios []*Bio) error {
	var first error
	for _, b := range bios {
		if err := b.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SubmitAll submits every bio in the chain.
func SubmitAll(bios []*Bio) {
	for _, b := range bios {
		b.Submit()
	}
}

// Service performs the chunk-aligned bio fan-out described here, cloning
// bios into per-chunk children that either alias or copy the parent's
// payload.
type Service struct {
	ChunkBlocks int // device-advertised chunk boundary, in blocks
	BlockSize   int // bytes per logical block
}

// Clone splits [offset, offset+len(data)) into children that never cross
// a multiple-of-ChunkBlocks boundary, sharing data's backing array.
func (s Service) Clone(target Backend, op Op, offsetBlocks uint64, data []byte, fua bool) []*Bio {
	return s.fanOut(target, op, offsetBlocks, data, fua, false)
}

// CloneCopy is like Clone but each child owns an independent copy of its
// slice of data, so the caller's buffer may be released immediately
// after CloneCopy returns.
func (s Service) CloneCopy(target Backend, op Op, offsetBlocks uint64, data []byte, fua bool) []*Bio {
	return s.fanOut(target, op, offsetBlocks, data, fua, true)
}

func (s Service) fanOut(target Backend, op Op, offsetBlocks uint64, data []byte, fua, copyData bool) []*Bio {
	if s.ChunkBlocks <= 0 || len(data) == 0 {
		d := data
		if copyData {
			d = append([]byte(nil), data...)
		}
		return []*Bio{NewBio(target, op, int64(offsetBlocks)*int64(s.BlockSize), d)}
	}

	chunkBytes := s.ChunkBlocks * s.BlockSize
	startByte := int64(offsetBlocks) * int64(s.BlockSize)
	var bios []*Bio
	remaining := data
	cur := startByte
	for len(remaining) > 0 {
		// Bytes until the next chunk boundary from the start of the
		// device's chunk grid (not relative to this bio's own start).
		untilBoundary := chunkBytes - int(cur%int64(chunkBytes))
		n := len(remaining)
		if n > untilBoundary {
			n = untilBoundary
		}
		chunk := remaining[:n]
		if copyData {
			chunk = append([]byte(nil), chunk...)
		}
		bio := NewBio(target, op, cur, chunk)
		if fua {
			bio.FUA = true
		}
		bios = append(bios, bio)
		cur += int64(n)
		remaining = remaining[n:]
	}
	return bios
}
