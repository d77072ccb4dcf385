// Package verifier runs solutions against their tests inside throwaway,
// network-less containers.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/verifyq/internal/domain"
)

const (
	DefaultTag     = "latest"
	DefaultTimeout = 6 * time.Second

	// UnsupportedLanguage is the error reported for a payload no image can run.
	UnsupportedLanguage = "Unsupported language"

	cleanupTimeout = 10 * time.Second
	drainTimeout   = 2 * time.Second
)

var (
	ErrCreateFailed      = errors.New("failed to create verifier container")
	ErrAttachFailed      = errors.New("failed to attach to verifier container")
	ErrStartFailed       = errors.New("failed to start verifier container")
	ErrTimeout           = errors.New("verifier timed out")
	ErrWaitFailed        = errors.New("failed waiting for verifier container")
	ErrOutputParseFailed = errors.New("failed to parse verifier output")
)

// Options configures a Verifier.
type Options struct {
	Images Images
	// Tag is the image tag used for every language.
	Tag string
	// Timeout bounds how long a container may run.
	Timeout time.Duration
	// MemoryLimit is a hard limit in bytes for each container.
	MemoryLimit int64
	Logger      *slog.Logger
}

// Verifier runs payloads in containers created through a ContainerRuntime.
type Verifier struct {
	runtime domain.ContainerRuntime
	images  Images
	tag     string
	timeout time.Duration
	memory  int64
	logger  *slog.Logger
}

var _ domain.Verifier = (*Verifier)(nil)

// New returns a Verifier. Zero options fall back to the default images, the
// "latest" tag and DefaultTimeout.
func New(runtime domain.ContainerRuntime, opts Options) *Verifier {
	v := &Verifier{
		runtime: runtime,
		images:  opts.Images,
		tag:     opts.Tag,
		timeout: opts.Timeout,
		memory:  opts.MemoryLimit,
		logger:  opts.Logger,
	}
	if v.images == nil {
		v.images = DefaultImages()
	}
	if v.tag == "" {
		v.tag = DefaultTag
	}
	if v.timeout <= 0 {
		v.timeout = DefaultTimeout
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// Supports reports whether language has a registered image.
func (v *Verifier) Supports(language string) bool {
	return v.images.Supports(language)
}

// Verify runs the payload and parses the report the container prints on
// stdout. The container is force-removed once, whatever the outcome.
func (v *Verifier) Verify(ctx context.Context, payload domain.Payload) (domain.VerificationResult, error) {
	ref, ok := v.images.Ref(payload.Language, v.tag)
	if !ok {
		return domain.VerificationResult{Solved: false, Errors: UnsupportedLanguage}, nil
	}

	spec, err := containerSpec(payload, ref, v.memory)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	// 1. Create
	id, err := v.runtime.Create(ctx, spec)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}
	logger := v.logger.With("containerID", id, "image", ref)
	logger.Debug("Verifier container created")
	defer v.remove(ctx, id, logger)

	// 2. Attach before start so no output is lost
	var stdout, stderr syncBuffer
	att, err := v.runtime.Attach(ctx, id, &stdout, &stderr)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("%w: %w", ErrAttachFailed, err)
	}
	defer att.Close()

	// 3. Start
	if err := v.runtime.Start(ctx, id); err != nil {
		return domain.VerificationResult{}, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	// 4. Wait
	if err := v.wait(ctx, id, logger); err != nil {
		return domain.VerificationResult{}, err
	}

	select {
	case <-att.Done():
	case <-time.After(drainTimeout):
		logger.Warn("Verifier output stream not drained")
	}
	if stderr.Len() > 0 {
		logger.Debug("Verifier stderr", "stderr", stderr.String())
	}

	// 5. Parse
	var result domain.VerificationResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return domain.VerificationResult{}, fmt.Errorf("%w: %w (output: %q)", ErrOutputParseFailed, err, truncate(stdout.String(), 256))
	}
	return result, nil
}

// wait blocks until the container exits or the timeout elapses; on timeout
// the container is stopped. The timeout holds even if the runtime keeps
// waiting past its context.
func (v *Verifier) wait(ctx context.Context, id string, logger *slog.Logger) error {
	waitCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type exit struct {
		code int64
		err  error
	}
	exited := make(chan exit, 1)
	go func() {
		code, err := v.runtime.Wait(waitCtx, id)
		exited <- exit{code, err}
	}()

	var err error
	select {
	case e := <-exited:
		if e.err == nil {
			logger.Debug("Verifier container exited", "exitCode", e.code)
			return nil
		}
		err = e.err
	case <-waitCtx.Done():
		err = waitCtx.Err()
	}

	if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer stopCancel()
		if err := v.runtime.Stop(stopCtx, id); err != nil {
			logger.Warn("Failed to stop timed out verifier", "error", err)
		}
		return fmt.Errorf("%w after %s", ErrTimeout, v.timeout)
	}
	return fmt.Errorf("%w: %w", ErrWaitFailed, err)
}

// remove force-removes the container. Failures are only logged so they never
// hide the verification outcome.
func (v *Verifier) remove(ctx context.Context, id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := v.runtime.Remove(ctx, id, true); err != nil {
		logger.Error("Failed to remove verifier container", "error", err)
		return
	}
	logger.Debug("Verifier container removed")
}

func containerSpec(payload domain.Payload, ref string, memory int64) (domain.ContainerSpec, error) {
	arg, err := json.Marshal(struct {
		Solution string `json:"solution"`
		Tests    string `json:"tests"`
	}{payload.Solution, payload.Tests})
	if err != nil {
		return domain.ContainerSpec{}, err
	}

	return domain.ContainerSpec{
		Image:           ref,
		Cmd:             []string{"verify", string(arg)},
		AttachStdin:     false,
		AttachStdout:    true,
		AttachStderr:    true,
		CapDrop:         []string{"ALL"},
		NetworkDisabled: true,
		MemoryLimit:     memory,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// syncBuffer is a bytes.Buffer written by the attach stream and read once
// the container is done.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *syncBuffer) String() string {
	return string(b.Bytes())
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
