package ctrl

import "testing"

type fakeHandle struct {
	id       uint32
	name     string
	oldest   uint64
	written  uint64
	latest   uint64
	ringSize uint64
	frozen   bool
	readOnly bool
	closed   bool
}

func (h *fakeHandle) ID() uint32          { return h.id }
func (h *fakeHandle) Name() string        { return h.name }
func (h *fakeHandle) OldestLsid() uint64  { return h.oldest }
func (h *fakeHandle) WrittenLsid() uint64 { return h.written }
func (h *fakeHandle) LatestLsid() uint64  { return h.latest }
func (h *fakeHandle) RingSize() uint64    { return h.ringSize }
func (h *fakeHandle) IsReadOnly() bool    { return h.readOnly }
func (h *fakeHandle) IsFrozen() bool      { return h.frozen }
func (h *fakeHandle) Freeze()             { h.frozen = true }
func (h *fakeHandle) Melt()               { h.frozen = false }
func (h *fakeHandle) SetOldestLsid(lsid uint64) error {
	h.oldest = lsid
	return nil
}
func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

func TestRegistryAutoAssignID(t *testing.T) {
	r := NewRegistry()

	id1, err := r.Register(&fakeHandle{name: "a"}, -1)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	id2, err := r.Register(&fakeHandle{name: "b"}, -1)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if id1 == id2 {
		t.Errorf("auto-assigned ids should differ, got %d and %d", id1, id2)
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}

func TestRegistryExplicitIDConflict(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(&fakeHandle{name: "a"}, 5); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := r.Register(&fakeHandle{name: "b"}, 5); err == nil {
		t.Error("expected a conflict registering a second device at id 5")
	}
}

func TestRegistryGetAndList(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeHandle{name: "a", oldest: 1, written: 5, latest: 5, ringSize: 100}, 0)
	r.Register(&fakeHandle{name: "b", oldest: 2, written: 9, latest: 9, ringSize: 200}, 1)

	h, ok := r.Get(0)
	if !ok {
		t.Fatal("Get(0) should find the registered device")
	}
	if h.Name() != "a" {
		t.Errorf("Get(0).Name() = %q, want %q", h.Name(), "a")
	}

	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(infos))
	}
	if infos[0].ID != 0 || infos[1].ID != 1 {
		t.Errorf("List() not ordered by id: %+v", infos)
	}
	if infos[1].WrittenLsid != 9 {
		t.Errorf("List()[1].WrittenLsid = %d, want 9", infos[1].WrittenLsid)
	}
}

func TestRegistryUnregisterClosesHandle(t *testing.T) {
	r := NewRegistry()
	fh := &fakeHandle{name: "a"}
	id, _ := r.Register(fh, -1)

	if err := r.Unregister(id); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if !fh.closed {
		t.Error("Unregister should close the underlying handle")
	}
	if _, ok := r.Get(id); ok {
		t.Error("Get should not find a device after Unregister")
	}
	if err := r.Unregister(id); err == nil {
		t.Error("Unregister on an already-removed id should error")
	}
}

func TestRegistryFreezeMelt(t *testing.T) {
	r := NewRegistry()
	fh := &fakeHandle{name: "a"}
	id, _ := r.Register(fh, -1)

	if err := r.Freeze(id); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	if !fh.frozen {
		t.Error("Freeze should mark the handle frozen")
	}
	if err := r.Melt(id); err != nil {
		t.Fatalf("Melt failed: %v", err)
	}
	if fh.frozen {
		t.Error("Melt should clear the frozen flag")
	}

	if err := r.Freeze(999); err == nil {
		t.Error("Freeze on an unknown id should error")
	}
}

func TestRegistryOldestLsid(t *testing.T) {
	r := NewRegistry()
	fh := &fakeHandle{name: "a", oldest: 10}
	id, _ := r.Register(fh, -1)

	got, err := r.GetOldestLsid(id)
	if err != nil || got != 10 {
		t.Fatalf("GetOldestLsid() = (%d, %v), want (10, nil)", got, err)
	}

	if err := r.SetOldestLsid(id, 42); err != nil {
		t.Fatalf("SetOldestLsid failed: %v", err)
	}
	if fh.oldest != 42 {
		t.Errorf("oldest lsid = %d, want 42", fh.oldest)
	}

	if _, err := r.GetOldestLsid(999); err == nil {
		t.Error("GetOldestLsid on an unknown id should error")
	}
}

func TestRegistryMajorAndVersion(t *testing.T) {
	r := NewRegistry()
	if r.GetMajor() <= 0 {
		t.Errorf("GetMajor() = %d, want a positive placeholder major", r.GetMajor())
	}
	if r.GetVersion() != Version {
		t.Errorf("GetVersion() = %q, want %q", r.GetVersion(), Version)
	}
}
