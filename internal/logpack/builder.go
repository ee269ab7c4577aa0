package logpack

import "fmt"

// AddResult reports the outcome of attempting to add a write to a
// Builder's in-progress pack.
type AddResult int

const (
	// Fits means the write was assigned a record and lsid_local.
	Fits AddResult = iota
	// NeedsPadding means the builder synthesized a padding record to
	// consume the remainder of the current ring chunk; the caller must
	// Close() this pack and retry the write against a fresh Builder
	// whose pack begins at the next ring boundary.
	NeedsPadding
	// Full means the write would exceed record-count capacity or the
	// administrator's max-logpack-blocks bound; the caller must Close()
	// this pack and retry against a fresh Builder.
	Full
)

// Write describes one upper write being folded into a pack.
type Write struct {
	Offset       uint64 // target DDEV offset, logical blocks
	LengthLB     uint32 // length, logical blocks
	Checksum     uint32 // payload checksum
	IsDiscard    bool
	IsFlush      bool // zero-length FLUSH write
	PhysicalSize uint32 // precomputed length in physical blocks (0 for discard/flush)
}

// Builder incrementally assembles one logpack's header and record list
//. It does not itself perform IO; Encode materializes the
// final on-disk header once the pack is closed.
type Builder struct {
	pbs              int
	capacity         int
	maxLogpackBlocks int
	lsid             uint64

	records     []Record
	pendingPad  *Record
	totalBlocks uint32 // physical blocks consumed so far
	closed      bool

	// zeroFlushOnly is true only while the pack contains nothing but a
	// single zero-length FLUSH write and no records have been added.
	zeroFlushOnly bool
	sawAnyWrite   bool
}

// NewBuilder starts a pack whose header will be written at lsid.
func NewBuilder(lsid uint64, pbs, maxLogpackBlocks int) *Builder {
	return &Builder{
		pbs:              pbs,
		capacity:         Capacity(pbs),
		maxLogpackBlocks: maxLogpackBlocks,
		lsid:             lsid,
		zeroFlushOnly:    true,
	}
}

// Lsid returns the pack's header lsid.
func (b *Builder) Lsid() uint64 { return b.lsid }

// TotalBlocks returns the physical payload blocks consumed so far.
func (b *Builder) TotalBlocks() uint32 { return b.totalBlocks }

// NumRecords returns the number of real (non-padding) records added.
func (b *Builder) NumRecords() int { return len(b.records) }

// RingRemaining is supplied by the caller: blocks left in the current
// ring chunk before the ring wraps.
//
// Add attempts to add write to the pack. ringRemaining must reflect the
// blocks left before the ring wraps, accounting for blocks already
// consumed by this pack.
func (b *Builder) Add(w Write, ringRemaining int) (AddResult, error) {
	if b.closed {
		return Full, fmt.Errorf("logpack: builder already closed")
	}

	if w.IsFlush && w.LengthLB == 0 && !w.IsDiscard {
		if len(b.records) == 0 && b.pendingPad == nil {
			// Zero-flush-only pack: no record needed.
			b.zeroFlushOnly = true
			b.sawAnyWrite = true
			return Fits, nil
		}
		// A FLUSH landing mid-pack still needs a header-level flush bit;
		// it carries no record since it has no data. Record nothing, but
		// the pack is no longer zero-flush-only.
		b.zeroFlushOnly = false
		b.sawAnyWrite = true
		return Fits, nil
	}
	b.zeroFlushOnly = false
	b.sawAnyWrite = true

	physNeeded := w.PhysicalSize
	if w.IsDiscard {
		physNeeded = 0
	}

	if len(b.records)+1 > b.capacity {
		return Full, nil
	}
	if int(b.totalBlocks)+int(physNeeded) > b.maxLogpackBlocks {
		return Full, nil
	}

	if physNeeded > 0 && int(physNeeded) > ringRemaining {
		if b.pendingPad != nil {
			// Already padded once; cannot pad twice.
			return Full, nil
		}
		pad := Record{
			Length:    uint32(ringRemaining),
			LsidLocal: b.totalBlocks,
			Flags:     FlagPadding,
		}
		b.pendingPad = &pad
		b.totalBlocks += uint32(ringRemaining)
		return NeedsPadding, nil
	}

	rec := Record{
		Offset:    w.Offset,
		Length:    physNeeded,
		LsidLocal: b.totalBlocks,
		Checksum:  w.Checksum,
		Flags:     FlagExist,
	}
	if w.IsDiscard {
		rec.Flags |= FlagDiscard
	}
	b.records = append(b.records, rec)
	b.totalBlocks += physNeeded
	return Fits, nil
}

// ZeroFlushOnly reports whether the pack, as built so far, contains
// nothing but a lone zero-length FLUSH.
func (b *Builder) ZeroFlushOnly() bool {
	return b.zeroFlushOnly && b.sawAnyWrite && len(b.records) == 0 && b.pendingPad == nil
}

// Close finalizes the record list (padding placed first, per this
// implementation's decode-time "padding not last" convention — see
// DESIGN.md) and returns the Header, ready for Encode.
func (b *Builder) Close() *Header {
	b.closed = true
	recs := b.records
	nPadding := uint8(0)
	if b.pendingPad != nil {
		nPadding = 1
		recs = append([]Record{*b.pendingPad}, recs...)
	}
	return &Header{
		Lsid:        b.lsid,
		TotalIOSize: b.totalBlocks,
		NPadding:    nPadding,
		Records:     recs,
	}
}
