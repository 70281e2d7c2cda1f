package pull

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/events"
	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/runtime"
)

const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"

	PhaseStarted   = "image_pull_started"
	PhaseProgress  = "image_pull_progress"
	PhaseCompleted = "image_pull_completed"
	PhaseError     = "image_pull_error"
)

// subscriber channels buffer this many events; cosmetic progress lines are
// dropped oldest-first when a subscriber lags, terminal events never are.
const subscriberBuffer = 64

// Puller is the slice of the container runtime the orchestrator needs.
type Puller interface {
	Pull(ctx context.Context, imageRef string, progress func(runtime.PullProgress)) error
}

// JobStatus is a point-in-time snapshot of a pull job.
type JobStatus struct {
	JobID    string `json:"job_id"`
	ImageRef string `json:"image_ref"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

type job struct {
	id  string
	ref string

	mu     sync.Mutex
	state  string
	errMsg string
	buffer []events.PullStatus
	subs   map[chan events.PullStatus]struct{}
}

// Orchestrator runs image pulls asynchronously, one in-flight job per image
// reference, and fans progress out to any number of subscribers. Jobs are
// retained for a grace period after completion so late subscribers still see
// the terminal event.
type Orchestrator struct {
	puller    Puller
	publisher events.Publisher
	retention time.Duration

	mu       sync.Mutex
	jobs     map[string]*job // by job id
	inflight map[string]*job // by image ref
}

func NewOrchestrator(puller Puller, publisher events.Publisher, retention time.Duration) *Orchestrator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Orchestrator{
		puller:    puller,
		publisher: publisher,
		retention: retention,
		jobs:      make(map[string]*job),
		inflight:  make(map[string]*job),
	}
}

// Request starts a pull for the image reference, or attaches to the job
// already pulling it. Dedup is by reference, not by caller.
func (o *Orchestrator) Request(ctx context.Context, imageRef string) string {
	o.mu.Lock()
	if existing, ok := o.inflight[imageRef]; ok {
		o.mu.Unlock()
		return existing.id
	}

	j := &job{
		id:    uuid.New().String(),
		ref:   imageRef,
		state: StateQueued,
		subs:  make(map[chan events.PullStatus]struct{}),
	}
	o.jobs[j.id] = j
	o.inflight[imageRef] = j
	o.mu.Unlock()

	go o.run(j)
	return j.id
}

// RequestBatch fans out independent jobs for each reference. One image's
// failure never affects the others.
func (o *Orchestrator) RequestBatch(ctx context.Context, imageRefs []string) map[string]string {
	jobIDs := make(map[string]string, len(imageRefs))
	for _, ref := range imageRefs {
		jobIDs[ref] = o.Request(ctx, ref)
	}
	return jobIDs
}

// Subscribe attaches to a job's event stream. Buffered events, terminal event
// included, are replayed first, so subscribing after completion returns the
// outcome immediately instead of hanging. The returned cancel func must be
// called when the subscriber goes away.
func (o *Orchestrator) Subscribe(jobID string) (<-chan events.PullStatus, func(), bool) {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return nil, nil, false
	}

	ch := make(chan events.PullStatus, subscriberBuffer)

	j.mu.Lock()
	replay := j.buffer
	if len(replay) > subscriberBuffer-1 {
		// Keep the tail: the latest progress plus the terminal event matter,
		// old cosmetic lines do not.
		replay = replay[len(replay)-(subscriberBuffer-1):]
	}
	for _, ev := range replay {
		ch <- ev
	}
	done := j.state == StateSucceeded || j.state == StateFailed
	if done {
		close(ch)
		j.mu.Unlock()
		return ch, func() {}, true
	}
	j.subs[ch] = struct{}{}
	j.mu.Unlock()

	cancel := func() {
		j.mu.Lock()
		if _, still := j.subs[ch]; still {
			delete(j.subs, ch)
			close(ch)
		}
		j.mu.Unlock()
	}
	return ch, cancel, true
}

// Job returns a snapshot of the job, or false if it is unknown or already
// swept.
func (o *Orchestrator) Job(jobID string) (JobStatus, bool) {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return JobStatus{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{JobID: j.id, ImageRef: j.ref, State: j.state, Error: j.errMsg}, true
}

func (o *Orchestrator) run(j *job) {
	ctx := context.Background()

	j.setState(StateRunning)
	o.emit(j, events.PullStatus{
		JobID: j.id, ImageRef: j.ref, Phase: PhaseStarted, Timestamp: time.Now().UTC(),
	}, false)

	err := o.puller.Pull(ctx, j.ref, func(p runtime.PullProgress) {
		o.emit(j, events.PullStatus{
			JobID:     j.id,
			ImageRef:  j.ref,
			Phase:     PhaseProgress,
			Status:    p.Status,
			Message:   p.Message,
			Timestamp: time.Now().UTC(),
		}, false)
	})

	terminal := events.PullStatus{JobID: j.id, ImageRef: j.ref, Timestamp: time.Now().UTC()}
	if err != nil {
		log.Printf("Image pull failed for %s: %v", j.ref, err)
		j.setFailed(err.Error())
		terminal.Phase = PhaseError
		terminal.Message = err.Error()
	} else {
		log.Printf("Image pull completed for %s", j.ref)
		j.setState(StateSucceeded)
		terminal.Phase = PhaseCompleted
	}
	o.emit(j, terminal, true)

	o.mu.Lock()
	delete(o.inflight, j.ref)
	o.mu.Unlock()

	time.AfterFunc(o.retention, func() {
		o.mu.Lock()
		delete(o.jobs, j.id)
		o.mu.Unlock()
	})
}

// emit buffers the event, forwards it to the shared publisher, and delivers
// it to every subscriber. Cosmetic events are dropped oldest-first when a
// subscriber's channel is full; terminal events evict a buffered event to
// guarantee delivery, then the channel closes.
func (o *Orchestrator) emit(j *job, ev events.PullStatus, terminal bool) {
	o.publisher.PublishPullStatus(context.Background(), ev)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.buffer = append(j.buffer, ev)

	for ch := range j.subs {
		select {
		case ch <- ev:
		default:
			if terminal {
				select {
				case <-ch:
				default:
				}
				ch <- ev
			}
		}
		if terminal {
			delete(j.subs, ch)
			close(ch)
		}
	}
}

func (j *job) setState(state string) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
}

func (j *job) setFailed(msg string) {
	j.mu.Lock()
	j.state = StateFailed
	j.errMsg = msg
	j.mu.Unlock()
}
