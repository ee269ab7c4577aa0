package logpack

import (
	"testing"

	"github.com/walblog/walblog/internal/checksum"
)

const testSalt = checksum.Salt(0x1234)
const testPBS = 512

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		Lsid:        100,
		TotalIOSize: 3,
		Records: []Record{
			{Offset: 10, Length: 2, LsidLocal: 0, Checksum: 0xaaaa, Flags: FlagExist},
			{Offset: 20, Length: 1, LsidLocal: 2, Checksum: 0xbbbb, Flags: FlagExist},
		},
	}

	buf, err := Encode(h, testPBS, testSalt)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(buf, testPBS, testSalt)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Lsid != h.Lsid || got.TotalIOSize != h.TotalIOSize {
		t.Errorf("Decode() = %+v, want lsid=%d total_io_size=%d", got, h.Lsid, h.TotalIOSize)
	}
	if len(got.Records) != len(h.Records) {
		t.Fatalf("Decode() returned %d records, want %d", len(got.Records), len(h.Records))
	}
	for i, r := range got.Records {
		if r != h.Records[i] {
			t.Errorf("record %d = %+v, want %+v", i, r, h.Records[i])
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	h := &Header{Lsid: 1, TotalIOSize: 0}
	buf, _ := Encode(h, testPBS, testSalt)
	buf[0] ^= 0xff

	if _, err := Decode(buf, testPBS, testSalt); err == nil {
		t.Error("Decode should reject a corrupted magic field")
	}
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	h := &Header{Lsid: 1, TotalIOSize: 0}
	buf, _ := Encode(h, testPBS, testSalt)
	buf[len(buf)-1] ^= 0xff

	if _, err := Decode(buf, testPBS, testSalt); err == nil {
		t.Error("Decode should reject a buffer whose checksum no longer matches")
	}
}

func TestDecodeRejectsWrongSalt(t *testing.T) {
	h := &Header{Lsid: 1, TotalIOSize: 0}
	buf, _ := Encode(h, testPBS, testSalt)

	if _, err := Decode(buf, testPBS, checksum.Salt(0xffff)); err == nil {
		t.Error("Decode should reject a header checksummed under a different salt")
	}
}

func TestEncodeRejectsTooManyRecords(t *testing.T) {
	cap := Capacity(testPBS)
	h := &Header{Lsid: 1, Records: make([]Record, cap+1)}
	if _, err := Encode(h, testPBS, testSalt); err == nil {
		t.Error("Encode should reject more records than the header block can hold")
	}
}

func TestDecodeRejectsTrailingPadding(t *testing.T) {
	h := &Header{
		Lsid:        1,
		TotalIOSize: 3,
		NPadding:    1,
		Records: []Record{
			{Offset: 10, Length: 2, LsidLocal: 0, Flags: FlagExist},
			{Offset: 0, Length: 1, LsidLocal: 2, Flags: FlagPadding},
		},
	}
	buf, err := Encode(h, testPBS, testSalt)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := Decode(buf, testPBS, testSalt); err == nil {
		t.Error("Decode should reject a padding record that is last among multiple records")
	}
}

func TestDecodeRejectsNonMonotoneLsidLocal(t *testing.T) {
	h := &Header{
		Lsid:        1,
		TotalIOSize: 4,
		Records: []Record{
			{Offset: 10, Length: 2, LsidLocal: 2, Flags: FlagExist},
			{Offset: 20, Length: 2, LsidLocal: 0, Flags: FlagExist},
		},
	}
	buf, err := Encode(h, testPBS, testSalt)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := Decode(buf, testPBS, testSalt); err == nil {
		t.Error("Decode should reject records with non-monotone lsid_local")
	}
}

func TestDecodeRejectsSpanExceedingTotalIOSize(t *testing.T) {
	h := &Header{
		Lsid:        1,
		TotalIOSize: 2,
		Records: []Record{
			{Offset: 10, Length: 3, LsidLocal: 0, Flags: FlagExist},
		},
	}
	buf, err := Encode(h, testPBS, testSalt)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := Decode(buf, testPBS, testSalt); err == nil {
		t.Error("Decode should reject a record span exceeding total_io_size")
	}
}

func TestCapacityScalesWithBlockSize(t *testing.T) {
	if Capacity(512) >= Capacity(4096) {
		t.Error("a larger physical block size should hold more records")
	}
}
