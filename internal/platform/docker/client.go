package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/verifyq/internal/domain"
)

// Client wraps the official Docker SDK client.
type Client struct {
	cli *client.Client
}

// Check if Client implements domain.ContainerRuntime
var _ domain.ContainerRuntime = (*Client)(nil)

// NewClient initializes and returns a verified Docker client.
// The connection settings come from the environment (DOCKER_HOST, DOCKER_TLS_VERIFY, ...).
// If the Docker daemon is unreachable, the function panics to prevent the worker from
// starting in a broken state (Fail-Fast).
func NewClient() *Client {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("Failed to create Docker client", "error", err)
		panic(err)
	}

	// Ping Docker to ensure connection
	ctx := context.Background()
	_, err = cli.Ping(ctx)
	if err != nil {
		slog.Error("Failed to connect to Docker Daemon", "error", err)
		panic(err)
	}

	slog.Info("Docker Client initialized successfully")
	return &Client{cli: cli}
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.cli.Close()
}

// PullImage pulls ref, draining the progress stream so the pull completes.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	slog.Info("Pulling image", "image", ref)
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// Create allocates a container with networking disabled and the requested
// capabilities dropped.
func (c *Client) Create(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	hostConfig := &container.HostConfig{
		CapDrop: spec.CapDrop,
		Resources: container.Resources{
			Memory: spec.MemoryLimit,
		},
	}
	if spec.NetworkDisabled {
		hostConfig.NetworkMode = container.NetworkMode("none")
	}

	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		AttachStdin:     spec.AttachStdin,
		AttachStdout:    spec.AttachStdout,
		AttachStderr:    spec.AttachStderr,
		Tty:             false,
		NetworkDisabled: spec.NetworkDisabled,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	for _, w := range resp.Warnings {
		slog.Warn("Container created with warning", "containerID", resp.ID, "warning", w)
	}
	return resp.ID, nil
}

// Attach hijacks the container output and demultiplexes it into stdout and
// stderr in a background goroutine.
func (c *Client) Attach(ctx context.Context, id string, stdout, stderr io.Writer) (domain.Attachment, error) {
	resp, err := c.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}

	att := &attachment{
		done:  make(chan struct{}),
		close: resp.Close,
	}

	go func() {
		defer close(att.done)
		// Non-TTY containers multiplex both streams with 8 byte frame headers.
		if _, err := stdcopy.StdCopy(stdout, stderr, resp.Reader); err != nil && !errors.Is(err, io.EOF) {
			slog.Debug("Container output stream ended", "containerID", id, "error", err)
		}
	}()

	return att, nil
}

// Start begins execution of a created container.
func (c *Client) Start(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// Wait blocks until the container stops running or ctx is done.
func (c *Client) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container wait failed: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return 0, fmt.Errorf("container wait failed: %w", err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop halts a running container.
func (c *Client) Stop(ctx context.Context, id string) error {
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove deletes the container.
func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

type attachment struct {
	done  chan struct{}
	close func()
}

func (a *attachment) Done() <-chan struct{} { return a.done }

func (a *attachment) Close() error {
	a.close()
	return nil
}
