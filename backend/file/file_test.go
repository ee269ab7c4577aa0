package file

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestCreateReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ldev.img")
	f, err := Create(path, 4096, 512)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	if f.Size() != 4096 {
		t.Errorf("Size() = %d, want 4096", f.Size())
	}

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := f.WriteAt(data, 512)
	if err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(data))
	}

	if err := f.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	buf := make([]byte, 512)
	if _, err := f.ReadAt(buf, 512); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Error("read data does not match what was written")
	}
}

func TestOpenExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ddev.img")
	created, err := Create(path, 4096, 512)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	created.Close()

	reopened, err := Open(path, 4096, 512)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reopened.Close()
	if reopened.Size() != 4096 {
		t.Errorf("Size() = %d, want 4096", reopened.Size())
	}
}

func TestUnalignedAccessRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ldev.img")
	f, err := Create(path, 4096, 512)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(make([]byte, 100), 0); err == nil {
		t.Error("WriteAt with a length not aligned to the block size should fail")
	}
	if _, err := f.WriteAt(make([]byte, 512), 100); err == nil {
		t.Error("WriteAt with an unaligned offset should fail")
	}
}

func TestDiscard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ddev.img")
	f, err := Create(path, 4096, 512)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	data := bytes.Repeat([]byte{0xff}, 512)
	f.WriteAt(data, 0)
	f.Flush()

	if err := f.Discard(0, 512); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
}
