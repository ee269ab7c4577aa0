package overlap

import (
	"sync"
	"testing"
	"time"
)

func TestNonOverlappingWritesProceedConcurrently(t *testing.T) {
	s := New()
	e1 := s.Acquire(0, 10)
	e2 := s.Acquire(100, 10)

	if e1.nOverlap.Load() != 0 || e2.nOverlap.Load() != 0 {
		t.Error("disjoint ranges should not block each other")
	}
	s.Release(e1)
	s.Release(e2)
}

func TestOverlappingWriteWaitsForRelease(t *testing.T) {
	s := New()
	e1 := s.Acquire(10, 5) // [10,15)

	done := make(chan struct{})
	go func() {
		e2 := s.Acquire(12, 5) // [12,17), overlaps e1
		close(done)
		s.Release(e2)
	}()

	select {
	case <-done:
		t.Fatal("overlapping Acquire should block until the earlier write releases")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release(e1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire should unblock after the overlapping write releases")
	}
}

func TestReleaseWakesLaterEntryStartingEarlier(t *testing.T) {
	// e1 is registered first at a higher position; e2 arrives later but
	// starts at a lower position while still overlapping e1's range.
	s := New()
	e1 := s.Acquire(100, 10) // [100,110)

	done := make(chan struct{})
	go func() {
		e2 := s.Acquire(95, 10) // [95,105), overlaps e1
		close(done)
		s.Release(e2)
	}()

	select {
	case <-done:
		t.Fatal("e2 should block behind e1 despite starting at a smaller position")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release(e1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("releasing e1 should wake e2 even though e2's key precedes e1's")
	}
}

func TestChainOfOverlapsReleasesInOrder(t *testing.T) {
	s := New()
	var order []int
	var mu sync.Mutex
	record := func(n int) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	}

	e1 := s.Acquire(0, 10) // [0,10)
	record(1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e2 := s.Acquire(5, 10) // [5,15), overlaps e1
		record(2)
		s.Release(e2)
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		e3 := s.Acquire(8, 10) // [8,18), overlaps both e1 and e2
		record(3)
		s.Release(e3)
	}()
	time.Sleep(20 * time.Millisecond)

	s.Release(e1)
	wg.Wait()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("expected release order [1 2 3], got %v", order)
	}
}

func TestLenTracksInFlightEntries(t *testing.T) {
	s := New()
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
	e := s.Acquire(0, 1)
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	s.Release(e)
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after release, want 0", s.Len())
	}
}
