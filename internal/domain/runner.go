package domain

import (
	"context"
	"io"
)

// ContainerSpec describes the isolated environment a verification runs in.
type ContainerSpec struct {
	Image string
	Cmd   []string

	AttachStdin  bool
	AttachStdout bool
	AttachStderr bool

	// CapDrop lists the kernel capabilities removed from the container.
	CapDrop []string
	// NetworkDisabled runs the container without any network interface.
	NetworkDisabled bool
	// MemoryLimit is a hard cgroup memory limit in bytes; 0 means unlimited.
	MemoryLimit int64
}

// Attachment is an open output stream of a container.
type Attachment interface {
	// Done is closed once the container output has been fully copied.
	Done() <-chan struct{}
	Close() error
}

// ContainerRuntime defines the contract for the low-level container lifecycle.
// Implementations hide the transport to the container engine.
type ContainerRuntime interface {
	// Create allocates a container and returns its id.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Attach opens the demultiplexed stdout/stderr stream of a created container.
	// It must be called before Start so no output is lost.
	Attach(ctx context.Context, id string, stdout, stderr io.Writer) (Attachment, error)

	// Start begins execution.
	Start(ctx context.Context, id string) error

	// Wait blocks until the container exits and returns its exit code. It must
	// return ctx.Err() once ctx is done; callers rely on it to stop waiting.
	Wait(ctx context.Context, id string) (int64, error)

	// Stop halts a running container.
	Stop(ctx context.Context, id string) error

	// Remove deletes the container.
	Remove(ctx context.Context, id string, force bool) error
}

// Verifier runs a payload against its tests in a sandbox.
type Verifier interface {
	// Supports reports whether an execution image is registered for language.
	Supports(language string) bool

	// Verify runs the payload to completion and returns its verification report.
	// An unsupported language is a negative result, not an error.
	Verify(ctx context.Context, payload Payload) (VerificationResult, error)
}
