// Package pipeline implements the four-stage-plus-GC asynchronous engine
// that drives every write through the log device and on to the data
// device.
//
// Stage 1 (logpack-submit) runs under an ordered semaphore: logpacks are
// built and reach the LDEV in lsid order. Stage 2 (logpack-wait) runs on
// its own goroutine, and stage 3 (datapack-submit), stage 4
// (datapack-wait) and GC run together on an unordered pool, so
// datapacks are not submitted in lsid order; overlapping writes still
// reach the DDEV in arrival order, because each holds its overlap entry
// until its own datapack write has completed.
package pipeline

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/gopkg/concurrency/gopool"
	"golang.org/x/sync/semaphore"

	"github.com/walblog/walblog/internal/checksum"
	"github.com/walblog/walblog/internal/constants"
	"github.com/walblog/walblog/internal/durability"
	"github.com/walblog/walblog/internal/interfaces"
	"github.com/walblog/walblog/internal/iowrapper"
	"github.com/walblog/walblog/internal/logpack"
	"github.com/walblog/walblog/internal/overlap"
	"github.com/walblog/walblog/internal/pending"
	"github.com/walblog/walblog/internal/superblock"
)

// Request is one upper write entering the pipeline.
type Request struct {
	Pos       uint64 // DDEV offset, logical blocks
	Len       uint32 // length, logical blocks
	Data      []byte // nil for discard/flush
	IsDiscard bool
	IsFlush   bool

	done chan error
}

// NewRequest constructs an unsubmitted Request.
func NewRequest(pos uint64, length uint32, data []byte, discard, flush bool) *Request {
	return &Request{Pos: pos, Len: length, Data: data, IsDiscard: discard, IsFlush: flush, done: make(chan error, 1)}
}

// Wait blocks until the request's logpack is durable (the point at which
// the upper layer's write call may return).
func (r *Request) Wait(ctx context.Context) error {
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config bundles everything the pipeline needs to run.
type Config struct {
	LDEV            interfaces.Backend
	DDEV            interfaces.Backend
	Superblock      *superblock.Superblock
	Tracker         *durability.Tracker
	Policy          *durability.Policy
	Overlap         *overlap.Serializer
	Pending         *pending.Cache
	IOService       iowrapper.Service
	Logger          interfaces.Logger
	Observer        interfaces.Observer
	MaxLogpackBlocks int
	UnorderedWorkers int // concurrency of the unordered wait/GC pool
}

// pendingPack is a built-but-not-yet-completed logpack awaiting its LDEV
// write, carried from stage 1 into stage 2.
type pendingPack struct {
	header   *logpack.Header
	headerBuf []byte
	bios     []*iowrapper.Bio
	reqs     []*Request
	items    []*pending.Item // pending-cache entries added for reqs, removed once applied
	flushed  bool // this pack carries the FLUSH|FUA barrier
}

// Engine runs the five-stage pipeline for one device.
type Engine struct {
	cfg Config

	submitMu sync.Mutex // serializes stage 1: one builder active at a time
	builder  *logpackBuilderState

	orderedSem *semaphore.Weighted // keeps stage 1 admission in lsid order
	unordered  *semaphore.Weighted

	mu        sync.Mutex
	inFlight  *list.List // *pendingPack, oldest-first, for GC bookkeeping
	closed    bool
	wg        sync.WaitGroup
}

type logpackBuilderState struct {
	lsid    uint64
	reqs    []*Request
	writes  []logpack.Write
	b       *logpack.Builder
}

// New creates an Engine. It is driven by calling Submit for each
// request; there is no background polling loop since requests arrive
// from the upper block client synchronously.
func New(cfg Config) *Engine {
	if cfg.MaxLogpackBlocks <= 0 {
		cfg.MaxLogpackBlocks = constants.DefaultMaxLogpackBlocks
	}
	if cfg.UnorderedWorkers <= 0 {
		cfg.UnorderedWorkers = constants.UnorderedPoolConcurrency
	}
	return &Engine{
		cfg:        cfg,
		orderedSem: semaphore.NewWeighted(1),
		unordered:  semaphore.NewWeighted(int64(cfg.UnorderedWorkers)),
		inFlight:   list.New(),
	}
}

// Submit drives req through stages 1-4: build/submit its logpack, wait
// for log durability (at which point req.Wait unblocks), then
// asynchronously submit and wait for its datapack write before running
// GC bookkeeping.
func (e *Engine) Submit(ctx context.Context, req *Request) error {
	e.cfg.Pending.WaitUnderHighWater()

	ov := e.cfg.Overlap.Acquire(req.Pos, req.Len)

	if err := e.orderedSem.Acquire(ctx, 1); err != nil {
		e.cfg.Overlap.Release(ov)
		return err
	}
	pack, err := e.stage1BuildAndSubmit(ctx, req)
	e.orderedSem.Release(1)
	if err != nil {
		e.cfg.Overlap.Release(ov)
		return err
	}

	e.wg.Add(1)
	gopool.CtxGo(ctx, func() {
		defer e.wg.Done()
		e.stage2WaitLogpack(ctx, pack, ov)
	})

	return req.Wait(ctx)
}

// stage1BuildAndSubmit folds req into a pack and closes/submits that pack
// to the LDEV unconditionally, before returning: every bulk (here, one
// request) gets its own pack regardless of whether it carries a flush
// bit. ShouldFlush only decides the header's FLUSH|FUA bit, never whether
// the pack is submitted — an idle, non-FUA write must still reach the
// LDEV and unblock its caller on its own.
//
// A write that doesn't fit the active builder first forces out whatever
// that builder already held (at minimum a synthesized padding record) as
// its own pack, run in the background since no request is waiting on it,
// before a fresh builder takes req.
func (e *Engine) stage1BuildAndSubmit(ctx context.Context, req *Request) (*pendingPack, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	sb := e.cfg.Superblock
	if e.builder == nil {
		lsid := e.cfg.Tracker.ReserveLatest(0)
		e.builder = &logpackBuilderState{lsid: lsid, b: logpack.NewBuilder(lsid, int(sb.PhysicalBS), e.cfg.MaxLogpackBlocks)}
	}

	physSize := uint32(0)
	if !req.IsDiscard && !req.IsFlush {
		physSize = req.Len // logical == physical block count here; both superblock fields share one block size in this device model
	}
	w := logpack.Write{
		Offset:       req.Pos,
		LengthLB:     req.Len,
		Checksum:     checksum.Value(sb.ChecksumSalt, req.Data),
		IsDiscard:    req.IsDiscard,
		IsFlush:      req.IsFlush,
		PhysicalSize: physSize,
	}

	ringRemaining := sb.RingRemaining(e.builder.lsid + uint64(e.builder.b.TotalBlocks()) + 1)
	result, err := e.builder.b.Add(w, ringRemaining)
	if err != nil {
		return nil, err
	}
	if result != logpack.Fits {
		forced, err := e.closeAndSubmitLocked(false)
		if err != nil {
			return nil, err
		}
		lsid := e.cfg.Tracker.ReserveLatest(0)
		e.builder = &logpackBuilderState{lsid: lsid, b: logpack.NewBuilder(lsid, int(sb.PhysicalBS), e.cfg.MaxLogpackBlocks)}
		retry, err := e.builder.b.Add(w, sb.RingRemaining(lsid+1))
		if err != nil {
			return nil, err
		}
		if retry != logpack.Fits {
			return nil, fmt.Errorf("pipeline: write of %d blocks at %d does not fit a fresh logpack", w.LengthLB, w.Offset)
		}
		if forced != nil {
			e.wg.Add(1)
			gopool.CtxGo(ctx, func() {
				defer e.wg.Done()
				e.stage2WaitLogpack(ctx, forced, nil)
			})
		}
	}

	e.builder.reqs = append(e.builder.reqs, req)
	flush := e.cfg.Policy.ShouldFlush(uint64(physSize), req.IsFlush)
	return e.closeAndSubmitLocked(flush)
}

// closeAndSubmitLocked finalizes the active builder into an on-disk
// logpack and submits its header + data bios to the LDEV. The pack
// carries the FLUSH|FUA barrier when flush is set or any of its requests
// is a FLUSH. Caller holds submitMu.
func (e *Engine) closeAndSubmitLocked(flush bool) (*pendingPack, error) {
	bs := e.builder
	header := bs.b.Close()
	sb := e.cfg.Superblock

	e.cfg.Tracker.ReserveLatest(uint64(header.TotalIOSize) + 1) // header block + payload

	headerBuf, err := logpack.Encode(header, int(sb.PhysicalBS), sb.ChecksumSalt)
	if err != nil {
		return nil, err
	}

	headerPhys := sb.PhysBlock(header.Lsid)
	bios := []*iowrapper.Bio{iowrapper.NewBio(e.cfg.LDEV, iowrapper.OpWrite, int64(headerPhys)*int64(sb.PhysicalBS), headerBuf)}

	for _, req := range bs.reqs {
		if req.IsFlush && req.Len == 0 {
			continue
		}
		dataPhys := sb.PhysBlock(header.Lsid + 1 + uint64(offsetOf(header, req)))
		bios = append(bios, iowrapper.NewBio(e.cfg.LDEV, iowrapper.OpWrite, int64(dataPhys)*int64(sb.PhysicalBS), req.Data))
	}

	flushed := flush
	for _, req := range bs.reqs {
		if req.IsFlush {
			flushed = true
		}
	}
	if flushed {
		bios[len(bios)-1].FUA = true
	}

	iowrapper.SubmitAll(bios)

	var items []*pending.Item
	for _, req := range bs.reqs {
		if req.Len == 0 || req.IsDiscard {
			continue
		}
		it := &pending.Item{Pos: req.Pos, Len: req.Len, Data: req.Data}
		e.cfg.Pending.Add(it)
		items = append(items, it)
	}

	e.builder = nil
	return &pendingPack{header: header, headerBuf: headerBuf, bios: bios, reqs: bs.reqs, items: items, flushed: flushed}, nil
}

// offsetOf returns the physical-block (lsid) offset, within the pack's
// data region, at which req's record begins.
func offsetOf(h *logpack.Header, req *Request) uint32 {
	for _, r := range h.Records {
		if r.Offset == req.Pos {
			return r.LsidLocal
		}
	}
	return 0
}

// stage2WaitLogpack waits for the logpack's bios to complete, records the
// LDEV flush the pack carried (if any), releases the requests (unblocking
// their Wait calls), and hands the pack off to stage 3. ov is released
// once stages 3 and 4 are done with the pack, or at once if the logpack
// write failed. ov is nil for a pack forced out by stage 1 on behalf of
// no particular request.
func (e *Engine) stage2WaitLogpack(ctx context.Context, pack *pendingPack, ov *overlap.Entry) {
	release := func() {
		if ov != nil {
			e.cfg.Overlap.Release(ov)
		}
	}
	if pack == nil {
		release()
		return
	}

	err := iowrapper.WaitAll(ctx, pack.bios)
	endLsid := pack.header.Lsid + 1 + uint64(pack.header.TotalIOSize)
	if err == nil && pack.flushed {
		_ = e.cfg.Tracker.AdvanceFlush(endLsid)
		_ = e.cfg.Tracker.AdvancePermanent(endLsid)
	}

	for _, req := range pack.reqs {
		req.done <- err
	}
	if err != nil {
		release()
		return
	}

	e.wg.Add(1)
	gopool.CtxGo(ctx, func() {
		defer e.wg.Done()
		defer release()
		if waitErr := e.unordered.Acquire(ctx, 1); waitErr != nil {
			return
		}
		defer e.unordered.Release(1)
		e.stage3And4(ctx, pack)
	})
}

// stage3And4 submits the pack's datapacks to the DDEV once permanent has
// reached the pack's end lsid — forcing an out-of-band LDEV flush first
// if the pack itself didn't carry one — waits for DDEV durability, then
// removes the now-applied writes from the pending cache and advances
// written/oldest for GC.
func (e *Engine) stage3And4(ctx context.Context, pack *pendingPack) {
	endLsid := pack.header.Lsid + 1 + uint64(pack.header.TotalIOSize)
	if err := e.ensurePermanent(endLsid); err != nil {
		if e.cfg.Logger != nil {
			e.cfg.Logger.Printf("walblog: forcing LDEV flush for lsid %d failed: %v", pack.header.Lsid, err)
		}
		return
	}

	sb := e.cfg.Superblock
	var bios []*iowrapper.Bio
	for _, req := range pack.reqs {
		if req.Len == 0 {
			continue
		}
		if req.IsDiscard {
			bios = append(bios, e.cfg.IOService.Clone(e.cfg.DDEV, iowrapper.OpDiscard, req.Pos, make([]byte, int(req.Len)*int(sb.LogicalBS)), false)...)
			continue
		}
		bios = append(bios, e.cfg.IOService.CloneCopy(e.cfg.DDEV, iowrapper.OpWrite, req.Pos, req.Data, false)...)
	}

	_ = e.cfg.Tracker.AdvanceCompleted(endLsid)
	iowrapper.SubmitAll(bios)
	if err := iowrapper.WaitAll(ctx, bios); err != nil {
		if e.cfg.Logger != nil {
			e.cfg.Logger.Printf("walblog: datapack submit for lsid %d failed: %v", pack.header.Lsid, err)
		}
		return
	}

	for _, it := range pack.items {
		e.cfg.Pending.Remove(it)
	}

	_ = e.cfg.Tracker.AdvanceWritten(endLsid)
	_ = e.cfg.Tracker.AdvanceOldest(endLsid)
}

// ensurePermanent blocks nothing itself but guarantees every byte up to
// lsid is covered by a completed LDEV flush barrier before returning,
// forcing one out-of-band via the LDEV backend if the pack that carried
// lsid didn't already trigger one.
func (e *Engine) ensurePermanent(lsid uint64) error {
	if e.cfg.Tracker.Get().Permanent >= lsid {
		return nil
	}
	if err := e.cfg.LDEV.Flush(); err != nil {
		return err
	}
	e.cfg.Policy.ShouldFlush(0, true) // keep the block/time counters in sync with the barrier just forced
	if err := e.cfg.Tracker.AdvanceFlush(lsid); err != nil {
		return err
	}
	return e.cfg.Tracker.AdvancePermanent(lsid)
}

// Close waits for all in-flight stage-2/3/4 goroutines to drain.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// Flush forces the active builder (if any) to close and submit
// immediately, carrying a FLUSH|FUA barrier, and waits for it to become
// durable. Used by the device's explicit Flush() call and by graceful
// shutdown.
func (e *Engine) Flush(ctx context.Context) error {
	req := NewRequest(0, 0, nil, false, true)
	return e.Submit(ctx, req)
}
