package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGuard_AcquireConflict(t *testing.T) {
	g := NewGuard()

	if err := g.Acquire("sess-1", "job-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	err := g.Acquire("sess-1", "job-2")
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("Expected ErrSessionBusy, got %v", err)
	}
	var busy *BusyError
	if !errors.As(err, &busy) || busy.ActiveJobID != "job-1" {
		t.Errorf("Expected active job job-1, got %+v", busy)
	}

	// other sessions are independent
	if err := g.Acquire("sess-2", "job-3"); err != nil {
		t.Errorf("Acquire for other session failed: %v", err)
	}

	// same job again is not a conflict
	if err := g.Acquire("sess-1", "job-1"); err != nil {
		t.Errorf("Re-acquire for same job failed: %v", err)
	}
}

func TestGuard_ReleaseOnlyOwnJob(t *testing.T) {
	g := NewGuard()
	g.Acquire("sess-1", "job-1")

	if g.Release("sess-1", "job-other") {
		t.Error("Release with a foreign job must not clear the binding")
	}
	if _, ok := g.Active("sess-1"); !ok {
		t.Fatal("Binding should still be active")
	}

	if !g.Release("sess-1", "job-1") {
		t.Error("Expected release to succeed")
	}
	if err := g.Acquire("sess-1", "job-2"); err != nil {
		t.Errorf("Acquire after release failed: %v", err)
	}
}

func TestGuard_Reset(t *testing.T) {
	g := NewGuard()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g.now = func() time.Time { return fixed }

	g.Acquire("sess-1", "job-1")
	b, ok := g.Reset("sess-1")
	if !ok || b.JobID != "job-1" || !b.BoundAt.Equal(fixed) {
		t.Errorf("Unexpected binding: %+v", b)
	}
	if g.Len() != 0 {
		t.Errorf("Expected no bindings, got %d", g.Len())
	}
	if _, ok := g.Reset("sess-1"); ok {
		t.Error("Second reset should report no binding")
	}
}

func TestGuard_ConcurrentAcquire(t *testing.T) {
	g := NewGuard()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := g.Acquire("sess-1", fmt.Sprintf("job-%d", i)); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners)
	}
}
