package walblog

import "github.com/walblog/walblog/internal/constants"

// Re-exported defaults for the public API.
const (
	DefaultLogicalBlockSize    = constants.DefaultLogicalBlockSize
	DefaultPhysicalBlockSize   = constants.DefaultPhysicalBlockSize
	DefaultMaxLogpackBlocks    = constants.DefaultMaxLogpackBlocks
	DefaultFlushIntervalBlocks = constants.DefaultFlushIntervalBlocks
	DefaultFlushIntervalTime   = constants.DefaultFlushIntervalTime
	DefaultMaxPendingBlocks    = constants.DefaultMaxPendingBlocks
	DefaultMinPendingBlocks    = constants.DefaultMinPendingBlocks
	DefaultQueueStopTimeout    = constants.DefaultQueueStopTimeout
	DefaultDdevChunkBlocks     = constants.DefaultDdevChunkBlocks
	DefaultBulkPacks           = constants.DefaultBulkPacks
	DefaultBulkIOs             = constants.DefaultBulkIOs
	DefaultReadAheadBlocks     = constants.DefaultReadAheadBlocks
	AutoAssignDeviceID         = constants.AutoAssignDeviceID
)
