package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime implements Runtime against the local Docker engine.
type DockerRuntime struct {
	cli *client.Client
}

func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, err
	}

	log.Println("Successfully connected to Docker daemon")
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error) {
	portKey := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
		Labels:       spec.Labels,
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			portKey: []nat.PortBinding{{
				HostIP:   "0.0.0.0",
				HostPort: strconv.Itoa(spec.HostPort),
			}},
		},
		Binds:   spec.Binds,
		ShmSize: spec.ShmSizeBytes,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean the half-created container up so a retry can reuse the name.
		if rmErr := d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			log.Printf("Failed to remove container %s after start failure: %v", resp.ID[:12], rmErr)
		}
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	log.Printf("Container %s started on host port %d", spec.Name, spec.HostPort)
	return resp.ID, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, containerID string) (Info, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	info := Info{ID: inspect.ID}
	if inspect.State != nil {
		info.Running = inspect.State.Running
		info.Status = inspect.State.Status
	}
	return info, nil
}

// Pull streams the image and decodes the Docker progress lines into
// PullProgress callbacks.
func (d *DockerRuntime) Pull(ctx context.Context, imageRef string, progress func(PullProgress)) error {
	reader, err := d.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	type pullLine struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Progress string `json:"progress"`
		Error    string `json:"error"`
	}

	dec := json.NewDecoder(reader)
	for {
		var line pullLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode pull progress: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("pull failed: %s", line.Error)
		}
		if progress != nil {
			progress(PullProgress{
				LayerID: line.ID,
				Status:  line.Status,
				Message: line.Progress,
			})
		}
	}
}
