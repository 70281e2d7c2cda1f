package ports

import (
	"errors"
	"fmt"
	"sync"
)

var ErrExhausted = errors.New("no ports available")

// Allocator leases exclusive host ports out of a fixed inclusive range. It is
// thread-safe. Acquire hands out the lowest free port to keep the leased set
// compact.
type Allocator struct {
	mu     sync.Mutex
	min    int
	max    int
	leased map[int]bool
}

func NewAllocator(min, max int) (*Allocator, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("invalid port range [%d, %d]", min, max)
	}
	return &Allocator{
		min:    min,
		max:    max,
		leased: make(map[int]bool),
	}, nil
}

// Acquire leases the lowest free port or returns ErrExhausted. Exhaustion is
// an ordinary capacity result, retryable once a session releases its port.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if !a.leased[port] {
			a.leased[port] = true
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release frees a leased port. Releasing a free or out-of-range port is a
// no-op so teardown paths may release defensively without double-release races.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// Reserve pre-leases a port held by a session that survived a restart. It must
// be called before the allocator serves Acquire. Reserving an already-leased
// port is a no-op: two resumed sessions claiming one port is a data problem
// the caller surfaces, not something the pool can fix.
func (a *Allocator) Reserve(port int) error {
	if port < a.min || port > a.max {
		return fmt.Errorf("port %d outside range [%d, %d]", port, a.min, a.max)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leased[port] = true
	return nil
}

func (a *Allocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}

func (a *Allocator) Capacity() int {
	return a.max - a.min + 1
}
