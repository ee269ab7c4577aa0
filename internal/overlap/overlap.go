// Package overlap implements the overlap serializer: writes whose byte ranges intersect must complete in
// submission order, everything else proceeds concurrently.
package overlap

import (
	"sync"
	"sync/atomic"

	"github.com/walblog/walblog/internal/omap"
)

// Entry is one in-flight write tracked by the serializer.
type Entry struct {
	Pos    uint64 // start, logical blocks
	Len    uint32 // length, logical blocks
	waitFn func()
	notify chan struct{}

	// nOverlap counts earlier, still-incomplete entries this one
	// overlaps. It may only proceed once this reaches zero.
	nOverlap atomic.Int32
}

func (e *Entry) end() uint64 { return e.Pos + uint64(e.Len) }

func overlaps(a, b *Entry) bool {
	if a.Len == 0 && b.Len == 0 {
		return a.Pos == b.Pos
	}
	return a.Pos < b.end() && b.Pos < a.end()
}

// Serializer tracks in-flight writes keyed by starting position and
// signals each newly queued write how many earlier overlapping writes it
// must wait behind.
type Serializer struct {
	mu      sync.Mutex
	byStart *omap.Map[*Entry]
	// maxSeenLen bounds how far back in position a new entry must scan to
	// find every earlier entry it could overlap.
	maxSeenLen uint32
}

// New creates an empty overlap serializer.
func New() *Serializer {
	return &Serializer{byStart: omap.New[*Entry]()}
}

// Acquire registers a new write and blocks until every earlier,
// still-incomplete overlapping write has called Release.
func (s *Serializer) Acquire(pos uint64, length uint32) *Entry {
	e := &Entry{Pos: pos, Len: length, notify: make(chan struct{})}

	s.mu.Lock()
	if length > s.maxSeenLen {
		s.maxSeenLen = length
	}
	scanFrom := int64(0)
	if pos > uint64(s.maxSeenLen) {
		scanFrom = int64(pos - uint64(s.maxSeenLen))
	}
	n := int32(0)
	for c := s.byStart.Seek(scanFrom); c.Valid() && c.Key() < int64(e.end()); c.Next() {
		if overlaps(c.Value(), e) {
			n++
		}
	}
	e.nOverlap.Store(n)
	for {
		if err := s.byStart.Insert(int64(pos), e); err == nil {
			break
		}
		// ErrAlloc: release the lock briefly so allocation pressure can
		// clear, then retry.
		s.mu.Unlock()
		s.mu.Lock()
	}
	s.mu.Unlock()

	if n > 0 {
		<-e.notify
	}
	return e
}

// Release marks e complete, waking any later entries whose overlap count
// reaches zero as a result. A later entry may have been registered at a
// smaller starting position than e (it only has to overlap e's range),
// so the scan starts at the same lower bound Acquire uses to find e's
// own dependencies, not at e.Pos itself.
func (s *Serializer) Release(e *Entry) {
	s.mu.Lock()
	s.byStart.Remove(int64(e.Pos), e, func(a, b *Entry) bool { return a == b })
	if s.byStart.Len() == 0 {
		s.maxSeenLen = 0
	}

	scanFrom := int64(0)
	if e.Pos > uint64(s.maxSeenLen) {
		scanFrom = int64(e.Pos - uint64(s.maxSeenLen))
	}
	for c := s.byStart.Seek(scanFrom); c.Valid() && c.Key() < int64(e.end()); c.Next() {
		other := c.Value()
		if other == e || !overlaps(e, other) {
			continue
		}
		if other.nOverlap.Add(-1) == 0 {
			close(other.notify)
		}
	}
	s.mu.Unlock()
}

// Len reports the number of in-flight entries, for diagnostics.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byStart.Len()
}
