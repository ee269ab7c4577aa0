package mem

import (
	"bytes"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	m := New(4096)
	data := []byte("hello walblog")
	n, err := m.WriteAt(data, 100)
	if err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(data))
	}

	buf := make([]byte, len(data))
	if _, err := m.ReadAt(buf, 100); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("ReadAt got %q, want %q", buf, data)
	}
}

func TestReadPastEndReturnsZero(t *testing.T) {
	m := New(100)
	buf := make([]byte, 10)
	n, err := m.ReadAt(buf, 200)
	if err != nil {
		t.Fatalf("ReadAt past end failed: %v", err)
	}
	if n != 0 {
		t.Errorf("ReadAt past end = %d bytes, want 0", n)
	}
}

func TestReadTruncatesAtDeviceEnd(t *testing.T) {
	m := New(10)
	buf := make([]byte, 10)
	n, _ := m.ReadAt(buf, 5)
	if n != 5 {
		t.Errorf("ReadAt crossing device end = %d bytes, want 5", n)
	}
}

func TestWriteBeyondEndFails(t *testing.T) {
	m := New(10)
	if _, err := m.WriteAt([]byte("x"), 20); err == nil {
		t.Error("WriteAt beyond device end should fail")
	}
}

func TestDiscardZeroesRange(t *testing.T) {
	m := New(100)
	data := bytes.Repeat([]byte{0xff}, 20)
	m.WriteAt(data, 10)

	if err := m.Discard(10, 20); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}

	buf := make([]byte, 20)
	m.ReadAt(buf, 10)
	for i, b := range buf {
		if b != 0 {
			t.Errorf("byte %d not zeroed after discard: %d", i, b)
		}
	}
}

func TestSizeAndFlushAndClose(t *testing.T) {
	m := New(4096)
	if m.Size() != 4096 {
		t.Errorf("Size() = %d, want 4096", m.Size())
	}
	if err := m.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestConcurrentShardedAccess(t *testing.T) {
	m := New(int64(ShardSize) * 4)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			buf := make([]byte, 16)
			off := int64(i * ShardSize)
			m.WriteAt(buf, off)
			m.ReadAt(buf, off)
			done <- struct{}{}
		}(i % 4)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
