package omap

import "testing"

func TestEmptyMap(t *testing.T) {
	m := New[string]()
	if !m.Empty() {
		t.Error("a freshly created map should be empty")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestInsertAndSeekOrder(t *testing.T) {
	m := New[string]()
	m.Insert(30, "c")
	m.Insert(10, "a")
	m.Insert(20, "b")

	if m.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", m.Len())
	}

	c := m.Seek(0)
	var got []string
	for c.Valid() {
		got = append(got, c.Value())
		c.Next()
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSeekBound(t *testing.T) {
	m := New[string]()
	m.Insert(10, "a")
	m.Insert(20, "b")
	m.Insert(30, "c")

	c := m.Seek(15)
	if !c.Valid() || c.Key() != 20 {
		t.Fatalf("Seek(15) should land on key 20, got valid=%v key=%d", c.Valid(), c.Key())
	}

	c = m.Seek(31)
	if c.Valid() {
		t.Error("Seek past the largest key should produce an invalid cursor")
	}
}

func TestDuplicateKeysPreserveInsertionOrder(t *testing.T) {
	m := New[string]()
	m.Insert(5, "first")
	m.Insert(5, "second")
	m.Insert(5, "third")

	c := m.Seek(5)
	var got []string
	for c.Valid() && c.Key() == 5 {
		got = append(got, c.Value())
		c.Next()
	}
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRemoveByIdentity(t *testing.T) {
	type entry struct{ id int }
	m := New[*entry]()
	a := &entry{id: 1}
	b := &entry{id: 2}
	m.Insert(10, a)
	m.Insert(10, b)

	eq := func(x, y *entry) bool { return x == y }
	if !m.Remove(10, a, eq) {
		t.Fatal("Remove should report true for an entry that exists")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d after removing one of two entries, want 1", m.Len())
	}

	c := m.Seek(10)
	if !c.Valid() || c.Value() != b {
		t.Error("the remaining entry should be the one not removed")
	}

	if m.Remove(10, a, eq) {
		t.Error("Remove should report false for an entry no longer present")
	}
}

func TestRemoveLastEntryResetsHeight(t *testing.T) {
	m := New[int]()
	m.Insert(1, 100)
	eq := func(a, b int) bool { return a == b }
	m.Remove(1, 100, eq)

	if !m.Empty() {
		t.Error("map should be empty after removing its only entry")
	}
	m.Insert(2, 200)
	c := m.Seek(0)
	if !c.Valid() || c.Key() != 2 {
		t.Error("map should accept inserts normally after being emptied")
	}
}

func TestInsertAllocatorDenial(t *testing.T) {
	m := New[int]()
	m.SetAllocator(func() bool { return false })
	if err := m.Insert(1, 1); err != ErrAlloc {
		t.Errorf("Insert with a denying allocator = %v, want ErrAlloc", err)
	}
	if m.Len() != 0 {
		t.Error("a denied Insert should not add an entry")
	}
}
