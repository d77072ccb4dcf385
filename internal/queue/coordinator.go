// Package queue coordinates verifier workers sharing a task queue held in a
// watchable store.
//
// There is no lock service: workers claim tasks with conditional writes,
// refresh a presence timestamp, and reclaim the work of peers whose presence
// went stale. Tasks are verified at least once.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dontdude/verifyq/internal/domain"
	"github.com/dontdude/verifyq/internal/fifo"
)

// Default coordinator settings.
const (
	DefaultQueue            = "default"
	DefaultRoot             = "singpath"
	DefaultMaxWorkers       = 2
	DefaultPresenceInterval = 30 * time.Second
	DefaultTaskTimeout      = 6 * time.Second
	DefaultClaimRetryDelay  = time.Second
)

var (
	ErrInvalidSolutionRef = errors.New("invalid solution reference")
	ErrNoVerifier         = errors.New("coordinator has no verifier")
)

// Config holds the runtime configuration of a queue.
type Config struct {
	// Name of the queue.
	Name string
	// Root is the store root name solution references are relative to.
	Root string
	// MaxWorkers bounds the number of tasks verified concurrently.
	MaxWorkers int
	// PresenceInterval is how often the worker refreshes its presence.
	PresenceInterval time.Duration
	// TaskTimeout is how long a verification may run.
	TaskTimeout time.Duration
	// ClaimRetryDelay is how long a task waits before being buffered again
	// when its claim failed for another reason than a lost race.
	ClaimRetryDelay time.Duration
	// BufferCompaction is the compaction threshold of the pending buffer.
	BufferCompaction int
	Logger           *slog.Logger
}

// DefaultConfig returns the configuration of the default queue.
func DefaultConfig() Config {
	return Config{
		Name:             DefaultQueue,
		Root:             DefaultRoot,
		MaxWorkers:       DefaultMaxWorkers,
		PresenceInterval: DefaultPresenceInterval,
		TaskTimeout:      DefaultTaskTimeout,
		ClaimRetryDelay:  DefaultClaimRetryDelay,
		BufferCompaction: fifo.DefaultCompactThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultQueue
	}
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = DefaultPresenceInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.ClaimRetryDelay <= 0 {
		c.ClaimRetryDelay = DefaultClaimRetryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Coordinator is a worker of one queue: it registers its presence, buffers
// open tasks, and verifies up to MaxWorkers of them at a time.
type Coordinator struct {
	store    domain.Store
	verifier domain.Verifier
	identity domain.Identity
	cfg      Config
	logger   *slog.Logger

	tasks   string
	workers string

	mu       sync.Mutex
	pending  *fifo.FIFO[domain.Task]
	running  int
	inflight map[string]struct{}
	paused   bool
	wg       sync.WaitGroup
}

// NewCoordinator returns a coordinator acting as identity.
func NewCoordinator(st domain.Store, v domain.Verifier, identity domain.Identity, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()

	return &Coordinator{
		store:    st,
		verifier: v,
		identity: identity,
		cfg:      cfg,
		logger:   cfg.Logger.With("queue", cfg.Name, "workerID", identity.UID),
		tasks:    tasksPath(cfg.Name),
		workers:  workersPath(cfg.Name),
		pending:  fifo.New[domain.Task](cfg.BufferCompaction),
		inflight: make(map[string]struct{}),
	}
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// IsWorker reports whether the coordinator identity may work on this queue.
func (c *Coordinator) IsWorker() bool {
	return c.identity.WorkerFor(c.cfg.Name)
}

func (c *Coordinator) authorize() error {
	if !c.identity.LoggedIn() {
		return domain.ErrNotLoggedIn
	}
	if !c.IsWorker() {
		return domain.ErrNotWorker
	}
	return nil
}

// Running returns the number of tasks being verified.
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Pending returns the number of buffered tasks.
func (c *Coordinator) Pending() int {
	return c.pending.Len()
}

// Wait blocks until no task is being verified.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) taskRecord(id string) string {
	return domain.JoinPath(c.tasks, id)
}

func (c *Coordinator) workerRecord() string {
	return domain.JoinPath(c.workers, c.identity.UID)
}

func tasksPath(queue string) string {
	return domain.JoinPath("queues", queue, "tasks")
}

func workersPath(queue string) string {
	return domain.JoinPath("queues", queue, "workers")
}

// solutionRecordPath resolves a solution reference, rooted at root, to a
// record path.
func solutionRecordPath(root, ref string) (string, error) {
	path := strings.Trim(ref, "/")
	if root != "" {
		rest, ok := strings.CutPrefix(path, root+"/")
		if !ok {
			return "", fmt.Errorf("%w: %q is not under /%s", ErrInvalidSolutionRef, ref, root)
		}
		path = rest
	}

	if _, _, ok := domain.SplitRecord(path); !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSolutionRef, ref)
	}
	return path, nil
}
