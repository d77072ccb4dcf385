package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dontdude/verifyq/internal/domain"
	"github.com/dontdude/verifyq/internal/platform/store"
)

var (
	workerID = domain.Identity{UID: "worker-1", IsWorker: true, Queue: DefaultQueue}
	userID   = domain.Identity{UID: "user-1", IsUser: true}
)

// stubVerifier counts concurrent verifications.
type stubVerifier struct {
	mu      sync.Mutex
	result  domain.VerificationResult
	err     error
	delay   time.Duration
	block   chan struct{}
	calls   int
	current int
	maxSeen int
}

func solvedVerifier() *stubVerifier {
	return &stubVerifier{result: domain.VerificationResult{
		Solved:  true,
		Results: []domain.TestResult{{Test: ">>> foo\n1", Correct: true}},
	}}
}

func (v *stubVerifier) Supports(language string) bool {
	return language == "python" || language == "java" || language == "javascript"
}

func (v *stubVerifier) Verify(ctx context.Context, _ domain.Payload) (domain.VerificationResult, error) {
	v.mu.Lock()
	v.calls++
	v.current++
	if v.current > v.maxSeen {
		v.maxSeen = v.current
	}
	v.mu.Unlock()

	if v.block != nil {
		<-v.block
	}
	time.Sleep(v.delay)

	v.mu.Lock()
	v.current--
	v.mu.Unlock()
	return v.result, v.err
}

func (v *stubVerifier) stats() (calls, maxSeen int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls, v.maxSeen
}

// faultyStore fails selected writes of the wrapped store.
type faultyStore struct {
	domain.Store
	failUpdate func(updates []domain.Update) error
	failRemove error
	sub        domain.Subscription
}

func (s *faultyStore) Update(ctx context.Context, updates ...domain.Update) error {
	if s.failUpdate != nil {
		if err := s.failUpdate(updates); err != nil {
			return err
		}
	}
	return s.Store.Update(ctx, updates...)
}

func (s *faultyStore) Remove(ctx context.Context, record string) error {
	if s.failRemove != nil {
		return s.failRemove
	}
	return s.Store.Remove(ctx, record)
}

func (s *faultyStore) Watch(ctx context.Context, collection string, q domain.Query) (domain.Subscription, error) {
	if s.sub != nil {
		return s.sub, nil
	}
	return s.Store.Watch(ctx, collection, q)
}

// fakeSub is a subscription the test ends by hand.
type fakeSub struct {
	events   chan domain.Event
	err      error
	closeErr error
}

func (s *fakeSub) Events() <-chan domain.Event { return s.events }
func (s *fakeSub) Err() error                  { return s.err }
func (s *fakeSub) Close() error                { return s.closeErr }

func newTestCoordinator(st domain.Store, v domain.Verifier, cfg Config) *Coordinator {
	if cfg.Name == "" {
		cfg.Name = DefaultQueue
	}
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	return NewCoordinator(st, v, workerID, cfg)
}

func pythonPayload() domain.Payload {
	return domain.Payload{
		Language: "python",
		Solution: "foo = 1",
		Tests:    ">>> foo\n1",
		Target:   domain.PullTarget{},
	}
}

// pushTask pushes a task as a user and returns it as stored.
func pushTask(t *testing.T, st domain.Store, payload domain.Payload) domain.Task {
	t.Helper()

	ctx := context.Background()
	client := NewClient(st, DefaultQueue, userID, nil)

	id, err := client.Push(ctx, payload)
	require.NoError(t, err)

	task, err := client.Get(ctx, id)
	require.NoError(t, err)
	return task
}

func getTask(t *testing.T, st domain.Store, id string) domain.Task {
	t.Helper()

	task, err := NewClient(st, DefaultQueue, userID, nil).Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func newMemoryStore() *store.Memory {
	return store.NewMemory()
}
