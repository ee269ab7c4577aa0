// Package superblock implements the on-disk device superblock and ring
// geometry math.
package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/walblog/walblog/internal/checksum"
)

// Magic identifies a superblock block.
const Magic uint16 = 0x5741

// fieldsSize is the byte size of all fixed superblock fields before
// zero-padding to a physical block.
const fieldsSize = 2 + 2 + 2 + 4 + 16 + 8 + 8 + 8 + 8 + 8 + 4 + 4

// Superblock is the persisted device-wide metadata record.
type Superblock struct {
	LogicalBS          uint16
	PhysicalBS         uint16
	SnapshotAreaBlocks uint32
	UUID               [16]byte
	RingBufferOff      uint64 // first log block
	RingBufferSize     uint64 // log span in blocks
	OldestLsid         uint64
	WrittenLsid        uint64
	DeviceSizeLB       uint64 // DDEV size, logical blocks
	ChecksumSalt       checksum.Salt
}

// Encode serializes the superblock to a pbs-sized, zero-padded block with
// its checksum field zeroed during computation.
func Encode(sb *Superblock, pbs int) ([]byte, error) {
	if pbs < fieldsSize+4 {
		return nil, fmt.Errorf("superblock: pbs %d too small for superblock fields", pbs)
	}
	buf := make([]byte, pbs)
	off := 0
	putU16 := func(v uint16) { binary.LittleEndian.PutUint16(buf[off:off+2], v); off += 2 }
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[off:off+4], v); off += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[off:off+8], v); off += 8 }

	putU16(Magic)
	putU16(sb.LogicalBS)
	putU16(sb.PhysicalBS)
	putU32(sb.SnapshotAreaBlocks)
	copy(buf[off:off+16], sb.UUID[:])
	off += 16
	putU64(sb.RingBufferOff)
	putU64(sb.RingBufferSize)
	putU64(sb.OldestLsid)
	putU64(sb.WrittenLsid)
	putU64(sb.DeviceSizeLB)
	putU32(uint32(sb.ChecksumSalt))
	checksumOff := off
	putU32(0) // checksum field, zeroed for computation

	sum := checksum.Value(sb.ChecksumSalt, buf)
	binary.LittleEndian.PutUint32(buf[checksumOff:checksumOff+4], sum)
	return buf, nil
}

// Decode parses and validates a pbs-sized superblock block.
func Decode(buf []byte, pbs int) (*Superblock, error) {
	if len(buf) != pbs {
		return nil, fmt.Errorf("superblock: buffer length %d != pbs %d", len(buf), pbs)
	}
	magic := binary.LittleEndian.Uint16(buf[0:2])
	if magic != Magic {
		return nil, fmt.Errorf("superblock: bad magic")
	}

	sb := &Superblock{}
	off := 2
	getU16 := func() uint16 { v := binary.LittleEndian.Uint16(buf[off : off+2]); off += 2; return v }
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[off : off+4]); off += 4; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[off : off+8]); off += 8; return v }

	sb.LogicalBS = getU16()
	sb.PhysicalBS = getU16()
	sb.SnapshotAreaBlocks = getU32()
	copy(sb.UUID[:], buf[off:off+16])
	off += 16
	sb.RingBufferOff = getU64()
	sb.RingBufferSize = getU64()
	sb.OldestLsid = getU64()
	sb.WrittenLsid = getU64()
	sb.DeviceSizeLB = getU64()
	sb.ChecksumSalt = checksum.Salt(getU32())

	// Salt must be read before we can verify the checksum, but the salt
	// itself is part of the checksummed region, so we re-derive it from
	// the raw bytes rather than trusting the parsed field for the
	// verification pass.
	rawSalt := checksum.Salt(binary.LittleEndian.Uint32(buf[off-4 : off]))
	checksumOff := off
	storedSum := binary.LittleEndian.Uint32(buf[checksumOff : checksumOff+4])

	zeroed := make([]byte, pbs)
	copy(zeroed, buf)
	binary.LittleEndian.PutUint32(zeroed[checksumOff:checksumOff+4], 0)
	if got := checksum.Value(rawSalt, zeroed); got != storedSum {
		return nil, fmt.Errorf("superblock: checksum mismatch")
	}

	return sb, nil
}

// PhysBlock maps a logical sequence number to its physical block position
// on the ring: phys_block(lsid) = ring_off + (lsid mod ring_size).
func (sb *Superblock) PhysBlock(lsid uint64) uint64 {
	return sb.RingBufferOff + (lsid % sb.RingBufferSize)
}

// RingRemaining returns how many contiguous physical blocks are left in
// the ring before lsid's position would wrap back to the ring start,
// used by the logpack builder to decide whether a write needs a padding
// record.
func (sb *Superblock) RingRemaining(lsid uint64) int {
	pos := lsid % sb.RingBufferSize
	return int(sb.RingBufferSize - pos)
}

// Overflowed reports the ring-overflow condition:
// latest - oldest > ring_size.
func (sb *Superblock) Overflowed(latest uint64) bool {
	return latest-sb.OldestLsid > sb.RingBufferSize
}
