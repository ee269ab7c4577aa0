// Package mem provides a RAM-backed LDEV/DDEV implementation, used for
// tests and for demoing walblog devices without real block storage.
package mem

import (
	"fmt"
	"sync"
)

// ShardSize is the size of each memory shard (64KB). Sharded locking
// gives good parallelism for concurrent logpack/datapack submission
// while keeping lock overhead reasonable: a 256MB device has 4096 shards.
const ShardSize = 64 * 1024

// Memory is a RAM-based backend satisfying internal/interfaces.Backend
// and DiscardBackend; it can stand in as either a device's LDEV or its
// DDEV.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// New creates a zeroed memory backend of the given size in bytes.
func New(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if end < start {
		end = start
	}
	return start, end
}

// ReadAt implements interfaces.Backend.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt implements interfaces.Backend.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("mem: write beyond end of device")
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// Size implements interfaces.Backend.
func (m *Memory) Size() int64 { return m.size }

// Close implements interfaces.Backend.
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Flush implements interfaces.Backend. A RAM backend has no write cache
// to drain, so this is a no-op that always succeeds.
func (m *Memory) Flush() error { return nil }

// Discard implements interfaces.DiscardBackend by zeroing the range.
func (m *Memory) Discard(offset, length int64) error {
	if offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}
	startShard, endShard := m.shardRange(offset, end-offset)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return nil
}
