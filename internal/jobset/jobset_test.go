package jobset

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestAddReportsFirstSighting(t *testing.T) {
	s := New(4)
	if !s.Add("a") {
		t.Error("first Add(a) = false")
	}
	if s.Add("a") {
		t.Error("second Add(a) = true")
	}
}

func TestForgetsOldestBeyondSize(t *testing.T) {
	s := New(3)
	for i := range 10 {
		s.Add(fmt.Sprintf("job-%d", i))
	}
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
	if s.Contains("job-6") {
		t.Error("job-6 still remembered")
	}
	for _, id := range []string{"job-7", "job-8", "job-9"} {
		if !s.Contains(id) {
			t.Errorf("%s forgotten", id)
		}
	}
}

func TestConcurrentAddClaimsOnce(t *testing.T) {
	s := New(0)
	var claimed atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Go(func() {
			if s.Add("same") {
				claimed.Add(1)
			}
		})
	}
	wg.Wait()
	if n := claimed.Load(); n != 1 {
		t.Errorf("claims = %d, want 1", n)
	}
}
