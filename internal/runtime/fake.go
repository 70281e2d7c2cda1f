package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Runtime for tests. Failure hooks let tests drive the
// broker through rollback paths without a container host.
type Fake struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer

	FailCreate  error
	FailStop    error
	FailRemove  error
	FailPull    map[string]error
	PullEvents  []PullProgress
	CreateDelay time.Duration
}

type fakeContainer struct {
	spec    ContainerSpec
	running bool
}

func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]*fakeContainer),
		FailPull:   make(map[string]error),
	}
}

func (f *Fake) CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error) {
	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		return "", f.FailCreate
	}
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = &fakeContainer{spec: spec, running: true}
	return id, nil
}

func (f *Fake) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStop != nil {
		return f.FailStop
	}
	c, ok := f.containers[containerID]
	if !ok {
		return ErrNotFound
	}
	c.running = false
	return nil
}

func (f *Fake) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRemove != nil {
		return f.FailRemove
	}
	if _, ok := f.containers[containerID]; !ok {
		return ErrNotFound
	}
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, containerID string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return Info{}, ErrNotFound
	}
	status := "exited"
	if c.running {
		status = "running"
	}
	return Info{ID: containerID, Running: c.running, Status: status}, nil
}

func (f *Fake) Pull(ctx context.Context, imageRef string, progress func(PullProgress)) error {
	f.mu.Lock()
	err := f.FailPull[imageRef]
	events := f.PullEvents
	f.mu.Unlock()

	for _, ev := range events {
		if progress != nil {
			progress(ev)
		}
	}
	return err
}

// Running reports how many fake containers are currently running.
func (f *Fake) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.containers {
		if c.running {
			n++
		}
	}
	return n
}

// Spec returns the spec a container was created with.
func (f *Fake) Spec(containerID string) (ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return ContainerSpec{}, false
	}
	return c.spec, true
}

// MarkExited simulates a container dying outside the broker's control.
func (f *Fake) MarkExited(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.running = false
	}
}
