// Package walblog provides a block-level write-ahead-log layer: it sits
// between an upper block client and a pair of backing devices (a log
// device, LDEV, and a data device, DDEV), logging every write durably
// before applying it, so a crash can always be repaired by redoing the
// log.
package walblog

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/walblog/walblog/internal/checksum"
	"github.com/walblog/walblog/internal/constants"
	"github.com/walblog/walblog/internal/ctrl"
	"github.com/walblog/walblog/internal/durability"
	"github.com/walblog/walblog/internal/iowrapper"
	"github.com/walblog/walblog/internal/logging"
	"github.com/walblog/walblog/internal/overlap"
	"github.com/walblog/walblog/internal/pending"
	"github.com/walblog/walblog/internal/pipeline"
	"github.com/walblog/walblog/internal/redo"
	"github.com/walblog/walblog/internal/superblock"
)

// DefaultRegistry is the process-wide device-node control plane:
// OpenDevice registers each device in it and CloseDevice unregisters it.
var DefaultRegistry = ctrl.NewRegistry()

// DeviceParams describes the LDEV/DDEV pair and ring geometry for a
// device to be opened.
type DeviceParams struct {
	LDEV Backend // log device
	DDEV Backend // data device

	DeviceID int32 // AutoAssignDeviceID requests the next free id

	LogicalBlockSize  int
	PhysicalBlockSize int

	RingBufferOff  uint64 // first log block, physical blocks
	RingBufferSize uint64 // log span, physical blocks
	ChecksumSalt   uint32

	MaxLogpackBlocks    int
	FlushIntervalBlocks uint64
	FlushIntervalTime   time.Duration
	MaxPendingBlocks    uint64
	MinPendingBlocks    uint64
	DdevChunkBlocks     int
	ReadAheadBlocks     int

	DeviceName string
}

// DefaultParams returns the recommended defaults, layered on
// top of the required LDEV/DDEV pair. Callers must still fill in ring
// geometry to match a formatted superblock.
func DefaultParams(ldev, ddev Backend) DeviceParams {
	return DeviceParams{
		LDEV:                ldev,
		DDEV:                ddev,
		DeviceID:            constants.AutoAssignDeviceID,
		LogicalBlockSize:    constants.DefaultLogicalBlockSize,
		PhysicalBlockSize:   constants.DefaultPhysicalBlockSize,
		MaxLogpackBlocks:    constants.DefaultMaxLogpackBlocks,
		FlushIntervalBlocks: constants.DefaultFlushIntervalBlocks,
		FlushIntervalTime:   constants.DefaultFlushIntervalTime,
		MaxPendingBlocks:    constants.DefaultMaxPendingBlocks,
		MinPendingBlocks:    constants.DefaultMinPendingBlocks,
		DdevChunkBlocks:     constants.DefaultDdevChunkBlocks,
		ReadAheadBlocks:     constants.DefaultReadAheadBlocks,
	}
}

// Format writes a fresh superblock to LDEV, sizing the ring described by
// params. The DDEV itself is left untouched. Callers typically run this
// once before the first OpenDevice on a pair of backing devices.
func Format(params DeviceParams) error {
	if err := validateParamsOp(params, "FORMAT"); err != nil {
		return err
	}
	var uuid [16]byte
	if _, err := crand.Read(uuid[:]); err != nil {
		return WrapError("FORMAT", err)
	}
	sb := &superblock.Superblock{
		LogicalBS:      uint16(params.LogicalBlockSize),
		PhysicalBS:     uint16(params.PhysicalBlockSize),
		UUID:           uuid,
		RingBufferOff:  params.RingBufferOff,
		RingBufferSize: params.RingBufferSize,
		OldestLsid:     0,
		WrittenLsid:    0,
		DeviceSizeLB:   uint64(params.DDEV.Size()) / uint64(params.LogicalBlockSize),
		ChecksumSalt:   checksum.Salt(params.ChecksumSalt),
	}
	buf, err := superblock.Encode(sb, params.PhysicalBlockSize)
	if err != nil {
		return WrapError("FORMAT", err)
	}
	if _, err := params.LDEV.WriteAt(buf, 0); err != nil {
		return WrapError("FORMAT", err)
	}
	return params.LDEV.Flush()
}

func validateParamsOp(params DeviceParams, op string) error {
	if params.LDEV == nil || params.DDEV == nil {
		return NewError(op, ErrCodeInvalidParameters, "LDEV and DDEV are required")
	}
	if params.LogicalBlockSize <= 0 || params.PhysicalBlockSize <= 0 ||
		params.PhysicalBlockSize%params.LogicalBlockSize != 0 {
		return NewError(op, ErrCodeIncompatibleBlockSize, "physical block size must be a positive multiple of logical block size")
	}
	minRing := uint64(params.MaxLogpackBlocks)
	if params.RingBufferSize < minRing+1 {
		return NewError(op, ErrCodeRingTooSmall, "ring buffer must hold at least one maximal logpack plus headroom")
	}
	return nil
}

// Options carries optional cross-cutting dependencies for OpenDevice.
type Options struct {
	Context  context.Context
	Logger   *logging.Logger
	Observer Observer
}

// Device is an open walblog device: writes are logged to the LDEV,
// pipelined through to the DDEV, and reads are served from the pending
// cache overlaid on the DDEV.
type Device struct {
	id   uint32
	name string

	ldev, ddev Backend
	sb         *superblock.Superblock

	tracker *durability.Tracker
	policy  *durability.Policy
	ov      *overlap.Serializer
	pend    *pending.Cache
	engine  *pipeline.Engine

	logicalBS, physicalBS int

	mu       sync.RWMutex
	frozen   bool
	readOnly bool

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// OpenDevice opens a device against an already-formatted LDEV/DDEV pair
// (see Format), replaying the log ring to repair any in-flight writes a
// prior crash left incomplete.
func OpenDevice(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}
	if err := validateParamsOp(params, "OPEN"); err != nil {
		return nil, err
	}

	pbs := params.PhysicalBlockSize
	sbBuf := make([]byte, pbs)
	if _, err := params.LDEV.ReadAt(sbBuf, 0); err != nil {
		return nil, WrapError("OPEN", err)
	}
	sb, err := superblock.Decode(sbBuf, pbs)
	if err != nil {
		return nil, &Error{Op: "OPEN", Code: ErrCodeCorruptLog, Queue: -1, Msg: err.Error(), Inner: err}
	}

	logger := logging.Default()
	if options.Logger != nil {
		logger = options.Logger
	}

	redoEngine := &redo.Engine{LDEV: params.LDEV, DDEV: params.DDEV, Superblock: sb, ReadAhead: params.ReadAheadBlocks}
	stats, err := redoEngine.Run(ctx)
	if err != nil {
		return nil, &Error{Op: "REDO", Code: ErrCodeCorruptLog, Queue: -1, Msg: err.Error(), Inner: err}
	}

	metrics := NewMetrics()
	metrics.RecordRedo(stats.RecordsReplayed)
	var observer Observer = &NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	tracker := durability.New(stats.FinalLsid)
	policy := durability.NewPolicy(params.FlushIntervalBlocks, params.FlushIntervalTime)
	ov := overlap.New()
	pend := pending.New(params.MaxPendingBlocks*uint64(params.LogicalBlockSize), params.MinPendingBlocks*uint64(params.LogicalBlockSize))

	engine := pipeline.New(pipeline.Config{
		LDEV:             params.LDEV,
		DDEV:             params.DDEV,
		Superblock:       sb,
		Tracker:          tracker,
		Policy:           policy,
		Overlap:          ov,
		Pending:          pend,
		IOService:        iowrapper.Service{ChunkBlocks: params.DdevChunkBlocks, BlockSize: params.LogicalBlockSize},
		Logger:           logger,
		Observer:         observer,
		MaxLogpackBlocks: params.MaxLogpackBlocks,
	})

	devCtx, cancel := context.WithCancel(ctx)
	name := params.DeviceName
	if name == "" {
		name = fmt.Sprintf("walblog%d", rand.Intn(1_000_000))
	}

	d := &Device{
		name:      name,
		ldev:      params.LDEV,
		ddev:      params.DDEV,
		sb:        sb,
		tracker:   tracker,
		policy:    policy,
		ov:        ov,
		pend:      pend,
		engine:    engine,
		logicalBS: params.LogicalBlockSize,
		physicalBS: pbs,
		metrics:   metrics,
		observer:  observer,
		logger:    logger,
		ctx:       devCtx,
		cancel:    cancel,
	}

	id, err := DefaultRegistry.Register(d, params.DeviceID)
	if err != nil {
		cancel()
		return nil, WrapError("OPEN", err)
	}
	d.id = id

	logger.Info("device opened", "dev_id", id, "packs_replayed", stats.PacksReplayed, "truncated", stats.Truncated)
	return d, nil
}

// ID implements ctrl.Handle.
func (d *Device) ID() uint32 { return d.id }

// Name implements ctrl.Handle.
func (d *Device) Name() string { return d.name }

// OldestLsid implements ctrl.Handle.
func (d *Device) OldestLsid() uint64 { return d.tracker.Get().Oldest }

// WrittenLsid implements ctrl.Handle.
func (d *Device) WrittenLsid() uint64 { return d.tracker.Get().Written }

// LatestLsid implements ctrl.Handle.
func (d *Device) LatestLsid() uint64 { return d.tracker.Get().Latest }

// RingSize implements ctrl.Handle.
func (d *Device) RingSize() uint64 { return d.sb.RingBufferSize }

// IsReadOnly implements ctrl.Handle.
func (d *Device) IsReadOnly() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.readOnly
}

// IsFrozen implements ctrl.Handle.
func (d *Device) IsFrozen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.frozen
}

// Freeze implements ctrl.Handle: suspends new writes, keeping reads
// available.
func (d *Device) Freeze() {
	d.mu.Lock()
	d.frozen = true
	d.mu.Unlock()
}

// Melt implements ctrl.Handle: resumes writes on a frozen device.
func (d *Device) Melt() {
	d.mu.Lock()
	d.frozen = false
	d.mu.Unlock()
}

// SetOldestLsid implements ctrl.Handle.
func (d *Device) SetOldestLsid(lsid uint64) error {
	return d.tracker.AdvanceOldest(lsid)
}

// Size returns the DDEV's usable size in bytes.
func (d *Device) Size() int64 {
	if d.ddev == nil {
		return 0
	}
	return d.ddev.Size()
}

// BlockSize returns the device's logical block size in bytes.
func (d *Device) BlockSize() int { return d.logicalBS }

// Metrics returns the device's metrics instance.
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a point-in-time snapshot of device metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Write logs and pipelines a write of data at pos (logical blocks), per
// the core write path.
func (d *Device) Write(ctx context.Context, pos uint64, data []byte, fua bool) error {
	if d.IsReadOnly() || d.IsFrozen() {
		return NewDeviceError("WRITE", d.id, ErrCodeReadOnly, "device is frozen or read-only")
	}
	length := uint32(len(data) / d.logicalBS)
	if d.sb.Overflowed(d.tracker.Get().Latest + uint64(length)) {
		d.metrics.RecordLogOverflow()
		return NewDeviceError("WRITE", d.id, ErrCodeLogOverflow, "ring buffer overflow")
	}
	start := time.Now()
	req := pipeline.NewRequest(pos, length, data, false, fua)
	err := d.engine.Submit(ctx, req)
	d.observer.ObserveWrite(uint64(len(data)), uint64(time.Since(start).Nanoseconds()), err == nil)
	if err == nil {
		d.metrics.RecordLogpackWritten()
		if fua {
			d.metrics.RecordFlushIssued()
		}
	}
	return err
}

// Discard logs and pipelines a discard of length logical blocks at pos.
func (d *Device) Discard(ctx context.Context, pos uint64, length uint32) error {
	if d.IsReadOnly() || d.IsFrozen() {
		return NewDeviceError("DISCARD", d.id, ErrCodeReadOnly, "device is frozen or read-only")
	}
	req := pipeline.NewRequest(pos, length, nil, true, false)
	start := time.Now()
	err := d.engine.Submit(ctx, req)
	d.observer.ObserveDiscard(uint64(length)*uint64(d.logicalBS), uint64(time.Since(start).Nanoseconds()), err == nil)
	return err
}

// Flush forces any buffered writes to become durable.
func (d *Device) Flush(ctx context.Context) error {
	start := time.Now()
	err := d.engine.Flush(ctx)
	d.observer.ObserveFlush(uint64(time.Since(start).Nanoseconds()), err == nil)
	if err == nil {
		d.metrics.RecordFlushIssued()
	}
	return err
}

// ReadAt serves a read of len(p) bytes at byte offset off, overlaying
// the pending-overwrite cache on top of the DDEV.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	pos := uint64(off) / uint64(d.logicalBS)
	length := uint32(len(p) / d.logicalBS)
	start := time.Now()

	n, err := d.ddev.ReadAt(p, off)
	for _, span := range d.pend.Read(pos, length) {
		spanOff := int64(span.Pos)*int64(d.logicalBS) - off
		data := span.Data
		if spanOff < 0 {
			if -spanOff >= int64(len(data)) {
				continue
			}
			data = data[-spanOff:]
			spanOff = 0
		}
		if spanOff >= int64(len(p)) {
			continue
		}
		copy(p[spanOff:], data)
	}

	d.observer.ObserveRead(uint64(len(p)), uint64(time.Since(start).Nanoseconds()), err == nil)
	return n, err
}

// Close drains the pipeline, flushes outstanding writes, and persists the
// superblock's resume points. It leaves the device registered in
// DefaultRegistry; CloseDevice also unregisters it.
func (d *Device) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.engine.Flush(context.Background()); err != nil {
		d.logger.Warn("flush on close failed", "err", err)
	}
	if err := d.engine.Close(); err != nil {
		return err
	}
	if err := d.persistSuperblock(); err != nil {
		d.logger.Warn("superblock persist on close failed", "err", err)
	}
	if d.metrics != nil {
		d.metrics.Stop()
	}
	return nil
}

// persistSuperblock writes the current oldest/written lsid back to the
// LDEV superblock so a later OpenDevice's redo pass resumes from this
// close's state rather than the one at last format/redo.
func (d *Device) persistSuperblock() error {
	snap := d.tracker.Get()
	d.sb.OldestLsid = snap.Oldest
	d.sb.WrittenLsid = snap.Written
	buf, err := superblock.Encode(d.sb, d.physicalBS)
	if err != nil {
		return err
	}
	if _, err := d.ldev.WriteAt(buf, 0); err != nil {
		return err
	}
	return d.ldev.Flush()
}

// CloseDevice closes a device and unregisters it from the control
// registry in one call.
func CloseDevice(device *Device) error {
	if device == nil {
		return ErrInvalidParameters
	}
	if err := device.Close(); err != nil {
		return err
	}
	return DefaultRegistry.Unregister(device.id)
}
