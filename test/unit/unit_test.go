//go:build !integration

// Package unit holds cross-package unit tests that exercise walblog's
// codecs and data structures without a real backing device or pipeline.
package unit

import (
	"testing"

	"github.com/walblog/walblog/internal/checksum"
	"github.com/walblog/walblog/internal/logpack"
	"github.com/walblog/walblog/internal/superblock"
)

func TestSuperblockSurvivesEncodeDecode(t *testing.T) {
	sb := &superblock.Superblock{
		LogicalBS:      512,
		PhysicalBS:     4096,
		RingBufferOff:  1,
		RingBufferSize: 4096,
		OldestLsid:     0,
		WrittenLsid:    0,
		DeviceSizeLB:   1 << 18,
		ChecksumSalt:   checksum.Salt(0xc0ffee),
	}
	buf, err := superblock.Encode(sb, int(sb.PhysicalBS))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := superblock.Decode(buf, int(sb.PhysicalBS))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.RingBufferSize != sb.RingBufferSize {
		t.Errorf("RingBufferSize = %d, want %d", got.RingBufferSize, sb.RingBufferSize)
	}
}

func TestLogpackHeaderCapacityBoundedByBlockSize(t *testing.T) {
	const salt = checksum.Salt(1)
	const pbs = 512

	records := make([]logpack.Record, logpack.Capacity(pbs))
	for i := range records {
		records[i] = logpack.Record{Offset: uint64(i), Length: 1, LsidLocal: uint32(i), Flags: logpack.FlagExist}
	}
	h := &logpack.Header{Lsid: 1, TotalIOSize: uint32(len(records)), Records: records}

	buf, err := logpack.Encode(h, pbs, salt)
	if err != nil {
		t.Fatalf("Encode at capacity failed: %v", err)
	}
	got, err := logpack.Decode(buf, pbs, salt)
	if err != nil {
		t.Fatalf("Decode at capacity failed: %v", err)
	}
	if len(got.Records) != len(records) {
		t.Errorf("decoded %d records, want %d", len(got.Records), len(records))
	}

	records = append(records, logpack.Record{Offset: 999, Length: 1, LsidLocal: uint32(len(records))})
	h.Records = records
	if _, err := logpack.Encode(h, pbs, salt); err == nil {
		t.Error("Encode should reject a header with more records than the block can hold")
	}
}

func TestChecksumSaltIsolatesDevices(t *testing.T) {
	data := []byte("identical payload written to two differently-salted devices")
	saltA, saltB := checksum.Salt(1), checksum.Salt(2)
	if checksum.Value(saltA, data) == checksum.Value(saltB, data) {
		t.Error("two devices with different salts should never agree on a checksum")
	}
}
