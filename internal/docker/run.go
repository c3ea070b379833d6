package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name       string
	Image      string
	Env        []string
	Binds      []string
	Ports      nat.PortMap
	MemoryMB   int
	CPUPercent int
}

// InstanceState captures the minimal runtime state of a container.
type InstanceState struct {
	Running  bool
	Status   string
	ExitCode int
}

// RunInstance creates and starts a container with tier resource limits
// applied. The caller owns naming; an existing container with the same
// name is removed first so redeploys do not collide.
func (c *Client) RunInstance(ctx context.Context, spec RunSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	if err := c.RemoveInstance(ctx, spec.Name); err != nil {
		return "", err
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: map[nat.Port]struct{}{},
	}
	for p := range spec.Ports {
		config.ExposedPorts[p] = struct{}{}
	}

	resources := container.Resources{}
	if spec.MemoryMB > 0 {
		resources.Memory = int64(spec.MemoryMB) << 20
	}
	if spec.CPUPercent > 0 {
		// NanoCPUs are billionths of a CPU; 100% == one full core.
		resources.NanoCPUs = int64(spec.CPUPercent) * 10_000_000
	}

	hostCfg := &container.HostConfig{
		PortBindings: spec.Ports,
		Binds:        spec.Binds,
		Resources:    resources,
		RestartPolicy: container.RestartPolicy{
			Name: "always",
		},
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// State inspects a named container and reports whether it is running.
func (c *Client) State(ctx context.Context, name string) (InstanceState, error) {
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return InstanceState{}, ErrNotFound
		}
		return InstanceState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := InstanceState{}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		state.Status = inspect.State.Status
		state.ExitCode = inspect.State.ExitCode
	}
	return state, nil
}

// RemoveInstance force-removes a container if it exists.
func (c *Client) RemoveInstance(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Logs returns the tail of a container's combined output.
func (c *Client) Logs(ctx context.Context, name string, tailLines int) (string, error) {
	tail := "all"
	if tailLines > 0 {
		tail = fmt.Sprintf("%d", tailLines)
	}
	reader, err := c.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return string(data), nil
}
