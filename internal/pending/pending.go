// Package pending implements the pending-overwrite cache: an index of writes that have been logged but not yet
// applied to the data device, used to answer "read your own writes" and
// to throttle ingestion when too much data is in flight.
package pending

import (
	"sort"
	"sync"

	"github.com/walblog/walblog/internal/omap"
)

// Item is one pending (logged, not yet DDEV-applied) write.
type Item struct {
	Pos        uint64 // logical blocks
	Len        uint32 // logical blocks
	Data       []byte // nil for discard
	IsDiscard  bool
	overwritten bool
	seq         uint64 // insertion order, used to sequence overlapping Read copies
}

func (it *Item) end() uint64 { return it.Pos + uint64(it.Len) }

// Cache tracks in-flight writes between the logpack-write stage and the
// datapack-write stage.
type Cache struct {
	mu       sync.RWMutex
	byStart  *omap.Map[*Item]
	bytes    uint64
	highWater uint64
	lowWater  uint64
	notFull   chan struct{}

	nextSeq uint64
	// maxSeenLen bounds how far back in position an Add/Read must scan to
	// find every entry it could overlap.
	maxSeenLen uint32
}

// New creates an empty cache with the given high/low watermarks in bytes
func New(highWaterBytes, lowWaterBytes uint64) *Cache {
	c := &Cache{
		byStart:   omap.New[*Item](),
		highWater: highWaterBytes,
		lowWater:  lowWaterBytes,
		notFull:   make(chan struct{}),
	}
	close(c.notFull) // starts open (not throttled)
	return c
}

// Add registers a newly logged, not-yet-applied write, marking any
// existing entry it strictly contains as overwritten: that older write no
// longer needs to be read back, since it's fully subsumed.
func (c *Cache) Add(it *Item) {
	c.mu.Lock()
	it.seq = c.nextSeq
	c.nextSeq++
	if it.Len > c.maxSeenLen {
		c.maxSeenLen = it.Len
	}

	scanFrom := int64(0)
	if it.Pos > uint64(c.maxSeenLen) {
		scanFrom = int64(it.Pos - uint64(c.maxSeenLen))
	}
	end := int64(it.end())
	for cur := c.byStart.Seek(scanFrom); cur.Valid() && cur.Key() < end; cur.Next() {
		existing := cur.Value()
		if existing.overwritten {
			continue
		}
		MarkOverwritten(existing, it)
	}

	for c.byStart.Insert(int64(it.Pos), it) == omap.ErrAlloc {
	}
	c.bytes += uint64(len(it.Data))
	if c.bytes >= c.highWater && c.notFull != nil {
		select {
		case <-c.notFull:
			c.notFull = make(chan struct{})
		default:
		}
	}
	c.mu.Unlock()
}

// Remove drops it once its data has landed durably on the DDEV, waking
// any writers blocked on WaitUnderHighWater if the cache has drained
// below the low watermark.
func (c *Cache) Remove(it *Item) {
	c.mu.Lock()
	if c.byStart.Remove(int64(it.Pos), it, func(a, b *Item) bool { return a == b }) {
		c.bytes -= uint64(len(it.Data))
	}
	if c.bytes <= c.lowWater {
		select {
		case <-c.notFull:
		default:
			close(c.notFull)
		}
	}
	c.mu.Unlock()
}

// WaitUnderHighWater returns at once while the cache holds fewer than
// highWater bytes of unapplied data. Otherwise it blocks until Remove has
// drained the cache to lowWater bytes or below.
func (c *Cache) WaitUnderHighWater() {
	for {
		c.mu.RLock()
		ch := c.notFull
		full := c.bytes >= c.highWater
		c.mu.RUnlock()
		if !full {
			return
		}
		<-ch
	}
}

// Read answers a read of [pos, pos+length) from the pending writes that
// overlap it, returning the filled byte ranges oldest-lsid-first so a
// caller copying spans in order ends up with the newest write's bytes on
// top; a caller falls back to the DDEV for any gaps this leaves. Strictly
// older writes fully contained within a newer one are skipped.
func (c *Cache) Read(pos uint64, length uint32) []ReadSpan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	end := pos + uint64(length)
	var spans []ReadSpan
	scanFrom := int64(0)
	if pos > uint64(c.maxSeenLen) {
		scanFrom = int64(pos - uint64(c.maxSeenLen))
	}
	for cur := c.byStart.Seek(scanFrom); cur.Valid() && cur.Key() < int64(end); cur.Next() {
		it := cur.Value()
		if it.overwritten || it.IsDiscard {
			continue
		}
		if it.end() <= pos || it.Pos >= end {
			continue
		}
		spans = append(spans, ReadSpan{Pos: it.Pos, Data: it.Data, seq: it.seq})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].seq < spans[j].seq })
	return spans
}

// ReadSpan is one contributing pending write found by Read.
type ReadSpan struct {
	Pos  uint64
	Data []byte

	seq uint64
}

// MarkOverwritten flags older as overwritten once newer, a
// fully-containing later write, has been logged. A marked entry is
// skipped by Read and Remove still frees its bytes once applied, but it
// no longer needs to reach the DDEV itself: newer's write subsumes it
func MarkOverwritten(older, newer *Item) bool {
	if newer.Pos <= older.Pos && older.end() <= newer.end() {
		older.overwritten = true
		return true
	}
	return false
}

// Len reports the number of tracked entries, for diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byStart.Len()
}

// Bytes reports the number of unapplied payload bytes tracked.
func (c *Cache) Bytes() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}
