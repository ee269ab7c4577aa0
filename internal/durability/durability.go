// Package durability tracks the six lsid state variables and the
// flush/FUA policy that advances them.
package durability

import (
	"fmt"
	"sync"
	"time"
)

// Tracker holds the monotone lsid state machine:
//
//	oldest <= written <= completed <= permanent <= flush <= latest
//
// latest is reserved first, as each logpack is built; flush, permanent,
// completed and written then catch up to it in that order as the pack
// moves through the pipeline, and oldest trails behind once GC reclaims
// its ring space. Each setter enforces the ordering invariant against the
// neighbor that must already have reached it.
type Tracker struct {
	mu        sync.Mutex
	oldest    uint64
	written   uint64
	completed uint64
	permanent uint64
	flush     uint64
	latest    uint64
}

// New creates a Tracker with every lsid initialized to start (e.g. the
// superblock's written_lsid on device open, once redo has replayed up to
// it).
func New(start uint64) *Tracker {
	return &Tracker{oldest: start, written: start, completed: start, permanent: start, flush: start, latest: start}
}

// Snapshot is a point-in-time copy of all six lsid values.
type Snapshot struct {
	Oldest, Written, Completed, Permanent, Flush, Latest uint64
}

// Get returns a consistent snapshot of all six lsids.
func (t *Tracker) Get() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{t.oldest, t.written, t.completed, t.permanent, t.flush, t.latest}
}

// ReserveLatest advances latest to admit a newly-built logpack of n
// blocks, returning the lsid the pack's header should use.
func (t *Tracker) ReserveLatest(n uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	lsid := t.latest
	t.latest += n
	return lsid
}

// AdvanceFlush reports that an LDEV flush covering every byte up to lsid
// has been issued and completed (the logpack carried FLUSH|FUA, or an
// out-of-band flush was forced on its behalf).
func (t *Tracker) AdvanceFlush(lsid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lsid < t.flush {
		return nil // stale completion from an earlier-submitted, later-finishing pack
	}
	if lsid > t.latest {
		return fmt.Errorf("durability: flush %d exceeds latest %d", lsid, t.latest)
	}
	t.flush = lsid
	return nil
}

// AdvancePermanent reports that every byte up to lsid is now covered by a
// completed FLUSH|FUA barrier: these logpacks may now be redone safely
// after a crash, and stage 3 may submit their datapacks to the DDEV.
func (t *Tracker) AdvancePermanent(lsid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lsid < t.permanent {
		return nil
	}
	if lsid > t.flush {
		return fmt.Errorf("durability: permanent %d exceeds flush %d", lsid, t.flush)
	}
	t.permanent = lsid
	return nil
}

// AdvanceCompleted reports that the datapacks covering lsid have been
// queued/submitted to the DDEV (stage 3 submission).
func (t *Tracker) AdvanceCompleted(lsid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lsid < t.completed {
		return nil
	}
	if lsid > t.permanent {
		return fmt.Errorf("durability: completed %d exceeds permanent %d", lsid, t.permanent)
	}
	t.completed = lsid
	return nil
}

// AdvanceWritten reports that all data up to lsid is now durable on the
// DDEV (the GC stage, run once the datapack bios confirm completion).
func (t *Tracker) AdvanceWritten(lsid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lsid < t.written {
		return nil
	}
	if lsid > t.completed {
		return fmt.Errorf("durability: written %d exceeds completed %d", lsid, t.completed)
	}
	t.written = lsid
	return nil
}

// AdvanceOldest reports that logpacks below lsid are no longer needed
// for redo and their ring space may be reclaimed.
func (t *Tracker) AdvanceOldest(lsid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lsid < t.oldest {
		return nil
	}
	if lsid > t.written {
		return fmt.Errorf("durability: oldest %d exceeds written %d", lsid, t.written)
	}
	t.oldest = lsid
	return nil
}

// Policy decides when a logpack must carry a FLUSH|FUA barrier rather
// than an ordinary write: either the caller asked for one, enough blocks
// have accumulated since the last barrier, or enough time has elapsed
// since the last barrier regardless of volume.
type Policy struct {
	FlushIntervalBlocks uint64        // force a barrier after this many unflushed blocks
	FlushIntervalTime   time.Duration // force a barrier after this long without one

	mu               sync.Mutex
	blocksSinceFlush uint64
	lastFlush        time.Time
}

// NewPolicy creates a Policy with the given block-count and time-based
// thresholds. A zero value for either disables that trigger.
func NewPolicy(flushIntervalBlocks uint64, flushIntervalTime time.Duration) *Policy {
	return &Policy{
		FlushIntervalBlocks: flushIntervalBlocks,
		FlushIntervalTime:   flushIntervalTime,
		lastFlush:           time.Now(),
	}
}

// ShouldFlush reports whether the next pack of n blocks must carry a
// FLUSH|FUA barrier: the caller requested a FLUSH, enough blocks have
// accumulated since the last barrier, or the flush deadline has passed.
func (p *Policy) ShouldFlush(n uint64, requested bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if requested {
		p.blocksSinceFlush = 0
		p.lastFlush = now
		return true
	}
	p.blocksSinceFlush += n
	if p.FlushIntervalBlocks > 0 && p.blocksSinceFlush > p.FlushIntervalBlocks {
		p.blocksSinceFlush = 0
		p.lastFlush = now
		return true
	}
	if p.FlushIntervalTime > 0 && now.Sub(p.lastFlush) >= p.FlushIntervalTime {
		p.blocksSinceFlush = 0
		p.lastFlush = now
		return true
	}
	return false
}
