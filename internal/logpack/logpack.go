// Package logpack implements the logpack header/record codec: the atomic unit written to the log ring, one
// header block followed by its payload blocks.
package logpack

import (
	"encoding/binary"
	"fmt"

	"github.com/walblog/walblog/internal/checksum"
)

// Magic identifies a logpack header block on disk.
const Magic uint16 = 0xa5ac

// Flag describes what a record represents.
type Flag uint8

const (
	// FlagExist marks a record that carries an upper write.
	FlagExist Flag = 1 << iota
	// FlagPadding marks a record with no upper write, used only to align
	// the next logpack to a ring boundary.
	FlagPadding
	// FlagDiscard marks a record whose write occupies no data blocks.
	FlagDiscard
)

const (
	recordSize      = 24
	fixedHeaderSize = 24
)

// Record describes one upper write inside a logpack header.
type Record struct {
	Offset    uint64 // target DDEV offset, logical blocks
	Length    uint32 // length, logical blocks (0 for discard/padding-only)
	LsidLocal uint32 // local lsid offset within the logpack's data region
	Checksum  uint32 // payload checksum (0 for padding/discard)
	Flags     Flag
}

func (r Record) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], r.Length)
	binary.LittleEndian.PutUint32(buf[12:16], r.LsidLocal)
	binary.LittleEndian.PutUint32(buf[16:20], r.Checksum)
	buf[20] = byte(r.Flags)
	// buf[21:24] reserved/zero
}

func decodeRecord(buf []byte) Record {
	return Record{
		Offset:    binary.LittleEndian.Uint64(buf[0:8]),
		Length:    binary.LittleEndian.Uint32(buf[8:12]),
		LsidLocal: binary.LittleEndian.Uint32(buf[12:16]),
		Checksum:  binary.LittleEndian.Uint32(buf[16:20]),
		Flags:     Flag(buf[20]),
	}
}

// Header is the in-memory form of a logpack header block.
type Header struct {
	Lsid        uint64
	TotalIOSize uint32 // payload blocks (physical) following the header
	NPadding    uint8
	Checksum    uint32
	Records     []Record
	FlushHeader bool // header carries FLUSH (not itself an on-disk field)
}

// Capacity returns the maximum number of records a header block of size
// pbs can hold.
func Capacity(pbs int) int {
	return (pbs - fixedHeaderSize) / recordSize
}

// Encode serializes the header into a pbs-sized block, computing the
// salted checksum with its own field zeroed during the computation
func Encode(h *Header, pbs int, salt checksum.Salt) ([]byte, error) {
	if len(h.Records) > Capacity(pbs) {
		return nil, fmt.Errorf("logpack: %d records exceeds capacity %d for pbs=%d", len(h.Records), Capacity(pbs), pbs)
	}
	buf := make([]byte, pbs)
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	binary.LittleEndian.PutUint64(buf[2:10], h.Lsid)
	binary.LittleEndian.PutUint32(buf[10:14], h.TotalIOSize)
	binary.LittleEndian.PutUint16(buf[14:16], uint16(len(h.Records)))
	buf[16] = h.NPadding
	// buf[17] reserved
	// checksum field buf[18:22] left zero during computation
	// buf[22:24] reserved

	recOff := fixedHeaderSize
	for _, r := range h.Records {
		r.encode(buf[recOff : recOff+recordSize])
		recOff += recordSize
	}

	sum := checksum.Value(salt, buf)
	binary.LittleEndian.PutUint32(buf[18:22], sum)
	h.Checksum = sum
	return buf, nil
}

// ErrInvalidHeader wraps a validation failure from Decode.
type ErrInvalidHeader struct{ Reason string }

func (e *ErrInvalidHeader) Error() string { return "logpack: invalid header: " + e.Reason }

// Decode parses and validates a pbs-sized header block:
// magic, checksum, n_records <= capacity, at most one padding record,
// padding (if any) not the last record, monotone lsid_local, and every
// record's block span fitting within total_io_size.
func Decode(buf []byte, pbs int, salt checksum.Salt) (*Header, error) {
	if len(buf) != pbs {
		return nil, &ErrInvalidHeader{Reason: fmt.Sprintf("buffer length %d != pbs %d", len(buf), pbs)}
	}
	magic := binary.LittleEndian.Uint16(buf[0:2])
	if magic != Magic {
		return nil, &ErrInvalidHeader{Reason: "bad magic"}
	}

	storedSum := binary.LittleEndian.Uint32(buf[18:22])
	zeroed := make([]byte, pbs)
	copy(zeroed, buf)
	binary.LittleEndian.PutUint32(zeroed[18:22], 0)
	if got := checksum.Value(salt, zeroed); got != storedSum {
		return nil, &ErrInvalidHeader{Reason: "checksum mismatch"}
	}

	lsid := binary.LittleEndian.Uint64(buf[2:10])
	totalIOSize := binary.LittleEndian.Uint32(buf[10:14])
	nRecords := int(binary.LittleEndian.Uint16(buf[14:16]))
	nPadding := buf[16]

	if nRecords > Capacity(pbs) {
		return nil, &ErrInvalidHeader{Reason: "n_records exceeds capacity"}
	}
	if nPadding > 1 {
		return nil, &ErrInvalidHeader{Reason: "more than one padding record"}
	}

	h := &Header{Lsid: lsid, TotalIOSize: totalIOSize, NPadding: nPadding, Checksum: storedSum}
	recOff := fixedHeaderSize
	var lastLsidLocal uint32
	paddingCount := 0
	for i := 0; i < nRecords; i++ {
		r := decodeRecord(buf[recOff : recOff+recordSize])
		recOff += recordSize

		if r.Flags&FlagPadding != 0 {
			paddingCount++
			if i == nRecords-1 && nRecords > 1 {
				return nil, &ErrInvalidHeader{Reason: "padding record is last"}
			}
		}
		if i > 0 && r.LsidLocal < lastLsidLocal {
			return nil, &ErrInvalidHeader{Reason: "non-monotone lsid_local"}
		}
		lastLsidLocal = r.LsidLocal

		blocksUsed := blockSpan(r)
		if r.LsidLocal+blocksUsed > totalIOSize {
			return nil, &ErrInvalidHeader{Reason: "record span exceeds total_io_size"}
		}
		h.Records = append(h.Records, r)
	}
	if paddingCount != int(nPadding) {
		return nil, &ErrInvalidHeader{Reason: "n_padding disagrees with record flags"}
	}
	return h, nil
}

// blockSpan returns the number of physical payload blocks a record
// occupies: 0 for discard records, its LsidLocal-relative span otherwise.
// Callers that need logical->physical conversion supply Length already
// expressed in physical blocks at construction time (see Builder).
func blockSpan(r Record) uint32 {
	if r.Flags&FlagDiscard != 0 {
		return 0
	}
	return r.Length
}
