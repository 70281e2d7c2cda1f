package events

import (
	"context"
	"time"
)

// SessionStatus describes a lifecycle transition of a desktop session.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	ImageID   uint      `json:"desktop_image_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PullStatus describes progress of an asynchronous image pull.
type PullStatus struct {
	JobID     string    `json:"job_id"`
	ImageRef  string    `json:"image_ref"`
	Phase     string    `json:"phase"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher fans broker events out to interested parties. Publishing is
// best-effort: a failing sink must never block or fail a lifecycle operation.
type Publisher interface {
	PublishSessionStatus(ctx context.Context, ev SessionStatus)
	PublishPullStatus(ctx context.Context, ev PullStatus)
}

// Nop discards all events.
type Nop struct{}

func (Nop) PublishSessionStatus(context.Context, SessionStatus) {}
func (Nop) PublishPullStatus(context.Context, PullStatus)       {}

// Multi forwards every event to each wrapped publisher.
type Multi []Publisher

func (m Multi) PublishSessionStatus(ctx context.Context, ev SessionStatus) {
	for _, p := range m {
		p.PublishSessionStatus(ctx, ev)
	}
}

func (m Multi) PublishPullStatus(ctx context.Context, ev PullStatus) {
	for _, p := range m {
		p.PublishPullStatus(ctx, ev)
	}
}
