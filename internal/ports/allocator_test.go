package ports

import (
	"errors"
	"sync"
	"testing"
)

func TestAllocator_AcquireRelease(t *testing.T) {
	a, err := NewAllocator(7000, 7004)
	if err != nil {
		t.Fatalf("NewAllocator failed: %v", err)
	}

	t.Run("LowestFreeFirst", func(t *testing.T) {
		p1, err := a.Acquire()
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if p1 != 7000 {
			t.Errorf("Expected lowest port 7000, got %d", p1)
		}
		p2, _ := a.Acquire()
		if p2 != 7001 {
			t.Errorf("Expected 7001, got %d", p2)
		}
		a.Release(p1)
		p3, _ := a.Acquire()
		if p3 != 7000 {
			t.Errorf("Released port should be reused first, got %d", p3)
		}
		a.Release(p2)
		a.Release(p3)
	})

	t.Run("RoundTripRestoresFreeSet", func(t *testing.T) {
		var held []int
		for i := 0; i < 5; i++ {
			p, err := a.Acquire()
			if err != nil {
				t.Fatalf("Acquire %d failed: %v", i, err)
			}
			held = append(held, p)
		}
		for _, p := range held {
			a.Release(p)
		}
		if a.Leased() != 0 {
			t.Errorf("Expected empty leased set after releasing all, got %d", a.Leased())
		}
	})

	t.Run("Exhaustion", func(t *testing.T) {
		seen := make(map[int]bool)
		for i := 0; i < a.Capacity(); i++ {
			p, err := a.Acquire()
			if err != nil {
				t.Fatalf("Acquire %d failed: %v", i, err)
			}
			if seen[p] {
				t.Fatalf("Port %d leased twice", p)
			}
			seen[p] = true
		}
		if _, err := a.Acquire(); !errors.Is(err, ErrExhausted) {
			t.Errorf("Expected ErrExhausted, got %v", err)
		}
		for p := range seen {
			a.Release(p)
		}
	})

	t.Run("IdempotentRelease", func(t *testing.T) {
		p, _ := a.Acquire()
		a.Release(p)
		a.Release(p)
		a.Release(99999)
		if a.Leased() != 0 {
			t.Errorf("Expected no leases, got %d", a.Leased())
		}
	})
}

func TestAllocator_Reserve(t *testing.T) {
	a, _ := NewAllocator(7000, 7002)

	if err := a.Reserve(7001); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := a.Reserve(6999); err == nil {
		t.Error("Out-of-range reserve should fail")
	}

	p1, _ := a.Acquire()
	p2, _ := a.Acquire()
	if p1 == 7001 || p2 == 7001 {
		t.Error("Reserved port must not be handed out")
	}
	if _, err := a.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Error("Pool should be exhausted with one reserved and two acquired")
	}
}

func TestAllocator_ConcurrentAcquire(t *testing.T) {
	a, _ := NewAllocator(7000, 7099)

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Acquire()
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			mu.Lock()
			seen[p]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for p, n := range seen {
		if n != 1 {
			t.Errorf("Port %d leased %d times", p, n)
		}
	}
	if len(seen) != 100 {
		t.Errorf("Expected 100 distinct ports, got %d", len(seen))
	}
}
