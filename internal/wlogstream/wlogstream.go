// Package wlogstream implements the wlog stream container format: a
// fixed-size stream header followed by a concatenation of
// (logpack-header block, payload blocks) pairs in lsid order, byte-
// identical to the corresponding slice of the log ring.
package wlogstream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/walblog/walblog/internal/checksum"
	"github.com/walblog/walblog/internal/logpack"
)

// headerSectorType distinguishes the stream header block from a logpack
// header block when a tool scans a raw dump.
const headerSectorType uint16 = 1

const headerFieldsSize = 2 + 2 + 4 + 4 + 2 + 2 + 16 + 8 + 8

// Header is the wlog stream's leading fixed-size record.
type Header struct {
	SectorType uint16
	Checksum   uint32
	Version    uint32
	LogicalBS  uint16
	PhysicalBS uint16
	UUID       [16]byte
	BeginLsid  uint64
	EndLsid    uint64
}

// Encode serializes h into a pbs-sized, checksummed block.
func Encode(h *Header, pbs int, salt checksum.Salt) ([]byte, error) {
	if pbs < headerFieldsSize {
		return nil, fmt.Errorf("wlogstream: pbs %d too small for stream header", pbs)
	}
	buf := make([]byte, pbs)
	binary.LittleEndian.PutUint16(buf[0:2], headerSectorType)
	// buf[2:6] checksum, filled below
	binary.LittleEndian.PutUint32(buf[6:10], h.Version)
	binary.LittleEndian.PutUint16(buf[10:12], h.LogicalBS)
	binary.LittleEndian.PutUint16(buf[12:14], h.PhysicalBS)
	copy(buf[14:30], h.UUID[:])
	binary.LittleEndian.PutUint64(buf[30:38], h.BeginLsid)
	binary.LittleEndian.PutUint64(buf[38:46], h.EndLsid)

	sum := checksum.Value(salt, buf)
	binary.LittleEndian.PutUint32(buf[2:6], sum)
	h.Checksum = sum
	h.SectorType = headerSectorType
	return buf, nil
}

// Decode parses and validates a wlog stream header block.
func Decode(buf []byte, pbs int, salt checksum.Salt) (*Header, error) {
	if len(buf) != pbs {
		return nil, fmt.Errorf("wlogstream: buffer length %d != pbs %d", len(buf), pbs)
	}
	sectorType := binary.LittleEndian.Uint16(buf[0:2])
	if sectorType != headerSectorType {
		return nil, fmt.Errorf("wlogstream: bad sector_type %d", sectorType)
	}
	storedSum := binary.LittleEndian.Uint32(buf[2:6])
	zeroed := make([]byte, pbs)
	copy(zeroed, buf)
	binary.LittleEndian.PutUint32(zeroed[2:6], 0)
	if got := checksum.Value(salt, zeroed); got != storedSum {
		return nil, fmt.Errorf("wlogstream: checksum mismatch")
	}

	h := &Header{SectorType: sectorType, Checksum: storedSum}
	h.Version = binary.LittleEndian.Uint32(buf[6:10])
	h.LogicalBS = binary.LittleEndian.Uint16(buf[10:12])
	h.PhysicalBS = binary.LittleEndian.Uint16(buf[12:14])
	copy(h.UUID[:], buf[14:30])
	h.BeginLsid = binary.LittleEndian.Uint64(buf[30:38])
	h.EndLsid = binary.LittleEndian.Uint64(buf[38:46])
	return h, nil
}

// Pack is one (header, payload) pair as it appears in the stream, in the
// same encoding logpack.Encode produces and Writer.WritePack consumes.
type Pack struct {
	Header  *logpack.Header
	Payload []byte // physical-block-sized, already in on-disk order
}

// Writer streams a wlog-format dump to w: a stream header followed by
// each logpack's (header block, payload blocks) pair, as walblogctl
// dump-wlog produces.
type Writer struct {
	w   io.Writer
	pbs int
}

// NewWriter writes hdr immediately and returns a Writer for the
// subsequent pack stream.
func NewWriter(w io.Writer, hdr *Header, pbs int, salt checksum.Salt) (*Writer, error) {
	buf, err := Encode(hdr, pbs, salt)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(buf); err != nil {
		return nil, err
	}
	return &Writer{w: w, pbs: pbs}, nil
}

// WritePack appends one logpack's header block and payload blocks.
func (wr *Writer) WritePack(p Pack, salt checksum.Salt) error {
	headerBuf, err := logpack.Encode(p.Header, wr.pbs, salt)
	if err != nil {
		return err
	}
	if _, err := wr.w.Write(headerBuf); err != nil {
		return err
	}
	if len(p.Payload) > 0 {
		if _, err := wr.w.Write(p.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Reader reads a wlog-format dump produced by Writer.
type Reader struct {
	r    io.Reader
	pbs  int
	salt checksum.Salt
}

// NewReader reads and validates the stream header, returning a Reader
// positioned at the start of the pack stream.
func NewReader(r io.Reader, pbs int, salt checksum.Salt) (*Reader, *Header, error) {
	buf := make([]byte, pbs)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, err
	}
	hdr, err := Decode(buf, pbs, salt)
	if err != nil {
		return nil, nil, err
	}
	return &Reader{r: r, pbs: pbs, salt: salt}, hdr, nil
}

// ReadPack reads the next (header, payload) pair, or io.EOF when the
// stream is exhausted.
func (rd *Reader) ReadPack() (*Pack, error) {
	headerBuf := make([]byte, rd.pbs)
	if _, err := io.ReadFull(rd.r, headerBuf); err != nil {
		return nil, err
	}
	header, err := logpack.Decode(headerBuf, rd.pbs, rd.salt)
	if err != nil {
		return nil, fmt.Errorf("wlogstream: %w", err)
	}
	payload := make([]byte, int(header.TotalIOSize)*rd.pbs)
	if len(payload) > 0 {
		if _, err := io.ReadFull(rd.r, payload); err != nil {
			return nil, err
		}
	}
	return &Pack{Header: header, Payload: payload}, nil
}
