package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the runtime no longer knows the container.
var ErrNotFound = errors.New("container not found")

// ContainerSpec describes one desktop container to create and start.
type ContainerSpec struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
	Env           map[string]string
	Binds         []string
	Labels        map[string]string
	ShmSizeBytes  int64
	MemoryBytes   int64
	NanoCPUs      int64
}

// Info is the runtime's view of a container.
type Info struct {
	ID      string
	Running bool
	Status  string
}

// PullProgress is one line of image pull progress.
type PullProgress struct {
	LayerID string
	Status  string
	Message string
}

// Runtime is the container host capability the broker drives. Implementations
// must be safe for concurrent use; the broker serializes per session key but
// runs independent sessions in parallel.
type Runtime interface {
	CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (Info, error)
	Pull(ctx context.Context, imageRef string, progress func(PullProgress)) error
}
