// Package redo implements the crash-recovery redo engine: replays the log ring from written_lsid forward,
// applying every valid record to the DDEV, then truncates the first
// invalid or incomplete pack it finds and rewrites the superblock.
package redo

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/walblog/walblog/internal/checksum"
	"github.com/walblog/walblog/internal/interfaces"
	"github.com/walblog/walblog/internal/logpack"
	"github.com/walblog/walblog/internal/superblock"
)

// Stats summarizes one redo pass, surfaced to the device's metrics on
// open.
type Stats struct {
	PacksReplayed   uint64
	RecordsReplayed uint64
	BytesReplayed   uint64
	Truncated       bool
	FinalLsid       uint64
}

// Engine replays the log ring against a DDEV, starting from a
// superblock's written_lsid.
type Engine struct {
	LDEV       interfaces.Backend
	DDEV       interfaces.Backend
	Superblock *superblock.Superblock
	ReadAhead  int // packs to speculatively read ahead of the applier
}

// packRead is one header-plus-payload read produced by the reader task
// and consumed by the apply (gc) task.
type packRead struct {
	lsid   uint64
	header *logpack.Header
	data   []byte // concatenated payload blocks, physical-block-sized
	err    error  // set when the header at lsid failed to decode/checksum
}

// Run replays the ring, applying every well-formed logpack from the
// persisted written_lsid up to the first corrupt or incomplete one.
// oldest_lsid is not a valid resume point: GC can advance it independently
// of what's actually durable on the DDEV, so starting there risks
// re-applying (harmlessly) already-durable data at best and skipping
// real log at worst if it was advanced past written_lsid. It returns the
// lsid the superblock's written_lsid should be reset to and whether the
// log was truncated.
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	sb := e.Superblock
	pbs := int(sb.PhysicalBS)
	readAhead := e.ReadAhead
	if readAhead <= 0 {
		readAhead = 64
	}

	ch := make(chan packRead, readAhead)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(ch)
		lsid := sb.WrittenLsid
		for {
			headerBuf := make([]byte, pbs)
			phys := sb.PhysBlock(lsid)
			if _, err := e.LDEV.ReadAt(headerBuf, int64(phys)*int64(pbs)); err != nil {
				select {
				case ch <- packRead{lsid: lsid, err: err}:
				case <-ctx.Done():
				}
				return nil
			}
			header, err := logpack.Decode(headerBuf, pbs, sb.ChecksumSalt)
			if err != nil {
				select {
				case ch <- packRead{lsid: lsid, err: err}:
				case <-ctx.Done():
				}
				return nil
			}

			data := make([]byte, int(header.TotalIOSize)*pbs)
			if header.TotalIOSize > 0 {
				n := int(header.TotalIOSize)
				// The payload may wrap the ring; read it in at most two
				// contiguous spans.
				firstPhys := sb.PhysBlock(lsid + 1)
				firstSpan := int(sb.RingBufferSize - (firstPhys - sb.RingBufferOff))
				if firstSpan > n {
					firstSpan = n
				}
				if _, err := e.LDEV.ReadAt(data[:firstSpan*pbs], int64(firstPhys)*int64(pbs)); err != nil {
					select {
					case ch <- packRead{lsid: lsid, err: err}:
					case <-ctx.Done():
					}
					return nil
				}
				if rem := n - firstSpan; rem > 0 {
					secondPhys := sb.RingBufferOff
					if _, err := e.LDEV.ReadAt(data[firstSpan*pbs:], int64(secondPhys)*int64(pbs)); err != nil {
						select {
						case ch <- packRead{lsid: lsid, err: err}:
						case <-ctx.Done():
						}
						return nil
					}
				}
			}

			select {
			case ch <- packRead{lsid: lsid, header: header, data: data}:
			case <-ctx.Done():
				return nil
			}
			lsid += 1 + uint64(header.TotalIOSize)
		}
	})

	var stats Stats
	stats.FinalLsid = sb.WrittenLsid
	var applyErr error

	g.Go(func() error {
		for pr := range ch {
			if pr.err != nil {
				stats.Truncated = true
				return nil
			}
			if err := e.applyPack(pr.header, pr.data, pbs); err != nil {
				stats.Truncated = true
				applyErr = err
				return nil
			}
			stats.PacksReplayed++
			stats.RecordsReplayed += uint64(len(pr.header.Records))
			stats.BytesReplayed += uint64(len(pr.data))
			stats.FinalLsid = pr.lsid + 1 + uint64(pr.header.TotalIOSize)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if applyErr != nil && !errors.Is(applyErr, errCorruptRecord) {
		return &stats, fmt.Errorf("redo: applying pack: %w", applyErr)
	}

	if err := e.rewriteSuperblock(stats.FinalLsid); err != nil {
		return &stats, err
	}
	return &stats, nil
}

var errCorruptRecord = errors.New("redo: corrupt record checksum")

// applyPack writes every record's payload to the DDEV, verifying each
// record's stored checksum against its payload bytes.
func (e *Engine) applyPack(h *logpack.Header, data []byte, pbs int) error {
	sb := e.Superblock
	lbs := int(sb.LogicalBS)
	for _, r := range h.Records {
		if r.Flags&logpack.FlagPadding != 0 {
			continue
		}
		if r.Flags&logpack.FlagDiscard != 0 {
			if db, ok := e.DDEV.(interfaces.DiscardBackend); ok {
				if err := db.Discard(int64(r.Offset)*int64(lbs), int64(r.Length)*int64(lbs)); err != nil {
					return err
				}
			}
			continue
		}
		start := int(r.LsidLocal) * pbs
		end := start + int(r.Length)*pbs
		if end > len(data) {
			return fmt.Errorf("redo: %w: record span exceeds pack payload", errCorruptRecord)
		}
		payload := data[start:end]
		if !checksum.Verify(sb.ChecksumSalt, payload, r.Checksum) {
			return fmt.Errorf("redo: %w: lsid_local=%d", errCorruptRecord, r.LsidLocal)
		}
		if _, err := e.DDEV.WriteAt(payload, int64(r.Offset)*int64(lbs)); err != nil {
			return err
		}
	}
	return e.DDEV.Flush()
}

// rewriteSuperblock persists the post-redo written_lsid with a
// FLUSH|FUA barrier so a second crash mid-redo cannot regress progress
func (e *Engine) rewriteSuperblock(finalLsid uint64) error {
	sb := e.Superblock
	sb.WrittenLsid = finalLsid
	buf, err := superblock.Encode(sb, int(sb.PhysicalBS))
	if err != nil {
		return err
	}
	if _, err := e.LDEV.WriteAt(buf, 0); err != nil {
		return err
	}
	return e.LDEV.Flush()
}
