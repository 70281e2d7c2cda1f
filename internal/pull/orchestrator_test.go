package pull

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/events"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/runtime"
)

// slowPuller blocks until released so tests can observe in-flight dedup.
type slowPuller struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	fail    map[string]error
	events  []runtime.PullProgress
	calls   map[string]int
}

func newSlowPuller() *slowPuller {
	return &slowPuller{
		started: make(chan string, 16),
		release: make(chan struct{}),
		fail:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (p *slowPuller) Pull(ctx context.Context, imageRef string, progress func(runtime.PullProgress)) error {
	p.mu.Lock()
	p.calls[imageRef]++
	evs := p.events
	err := p.fail[imageRef]
	release := p.release
	p.mu.Unlock()

	p.started <- imageRef
	<-release

	for _, ev := range evs {
		progress(ev)
	}
	return err
}

func collect(t *testing.T, ch <-chan events.PullStatus) []events.PullStatus {
	t.Helper()
	var got []events.PullStatus
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("Timed out waiting for event stream to close")
		}
	}
}

func TestOrchestrator_DedupByImageRef(t *testing.T) {
	puller := newSlowPuller()
	o := NewOrchestrator(puller, nil, time.Minute)

	id1 := o.Request(context.Background(), "kasmweb/vs-code:1.16.0")
	id2 := o.Request(context.Background(), "kasmweb/vs-code:1.16.0")
	require.Equal(t, id1, id2, "concurrent requests for one ref must share a job")

	<-puller.started
	close(puller.release)

	ch1, cancel1, ok := o.Subscribe(id1)
	require.True(t, ok)
	defer cancel1()
	ch2, cancel2, ok := o.Subscribe(id2)
	require.True(t, ok)
	defer cancel2()

	got1 := collect(t, ch1)
	got2 := collect(t, ch2)

	require.NotEmpty(t, got1)
	require.Equal(t, PhaseCompleted, got1[len(got1)-1].Phase)
	require.Equal(t, PhaseCompleted, got2[len(got2)-1].Phase)

	puller.mu.Lock()
	require.Equal(t, 1, puller.calls["kasmweb/vs-code:1.16.0"], "exactly one pull must run")
	puller.mu.Unlock()
}

func TestOrchestrator_LateSubscriberGetsTerminalEvent(t *testing.T) {
	puller := newSlowPuller()
	puller.events = []runtime.PullProgress{
		{LayerID: "abc123", Status: "Downloading", Message: "[=>   ]"},
	}
	o := NewOrchestrator(puller, nil, time.Minute)

	jobID := o.Request(context.Background(), "kasmweb/ubuntu-focal-desktop:1.15.0")
	<-puller.started
	close(puller.release)

	// Wait for the job to finish before subscribing.
	require.Eventually(t, func() bool {
		status, ok := o.Job(jobID)
		return ok && status.State == StateSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	ch, cancel, ok := o.Subscribe(jobID)
	require.True(t, ok)
	defer cancel()

	got := collect(t, ch)
	require.NotEmpty(t, got, "late subscriber must not hang")
	require.Equal(t, PhaseCompleted, got[len(got)-1].Phase)
}

func TestOrchestrator_FailureIsTerminalAndIsolated(t *testing.T) {
	puller := newSlowPuller()
	puller.fail["broken/image:latest"] = errors.New("manifest unknown")
	o := NewOrchestrator(puller, nil, time.Minute)

	jobIDs := o.RequestBatch(context.Background(), []string{"broken/image:latest", "good/image:latest"})
	require.Len(t, jobIDs, 2)

	<-puller.started
	<-puller.started
	close(puller.release)

	require.Eventually(t, func() bool {
		broken, ok1 := o.Job(jobIDs["broken/image:latest"])
		good, ok2 := o.Job(jobIDs["good/image:latest"])
		return ok1 && ok2 && broken.State == StateFailed && good.State == StateSucceeded
	}, 2*time.Second, 10*time.Millisecond, "one failure must not cancel the other job")

	broken, _ := o.Job(jobIDs["broken/image:latest"])
	require.Contains(t, broken.Error, "manifest unknown")

	ch, cancel, ok := o.Subscribe(jobIDs["broken/image:latest"])
	require.True(t, ok)
	defer cancel()
	got := collect(t, ch)
	require.Equal(t, PhaseError, got[len(got)-1].Phase)
}

func TestOrchestrator_NewJobAfterCompletion(t *testing.T) {
	puller := newSlowPuller()
	o := NewOrchestrator(puller, nil, time.Minute)

	id1 := o.Request(context.Background(), "kasmweb/chrome:1.15.0")
	<-puller.started
	close(puller.release)

	require.Eventually(t, func() bool {
		status, ok := o.Job(id1)
		return ok && status.State == StateSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	puller.mu.Lock()
	puller.release = make(chan struct{})
	puller.mu.Unlock()
	// A finished job no longer dedups: pulling again is a fresh job.
	id2 := o.Request(context.Background(), "kasmweb/chrome:1.15.0")
	require.NotEqual(t, id1, id2)
	<-puller.started
	close(puller.release)
}
