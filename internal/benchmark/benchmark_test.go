package benchmark

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dontdude/verifyq/internal/domain"
	"github.com/dontdude/verifyq/internal/platform/store"
	"github.com/dontdude/verifyq/internal/queue"
)

type stubQueue struct {
	pushed  []domain.Payload
	awaited []string
	tasks   map[string]domain.Task
	pushErr error
}

func (q *stubQueue) PushTasks(_ context.Context, payloads []domain.Payload) ([]string, error) {
	if q.pushErr != nil {
		return nil, q.pushErr
	}
	q.pushed = payloads
	ids := make([]string, len(payloads))
	for i := range payloads {
		ids[i] = fmt.Sprintf("task-%d", i)
	}
	return ids, nil
}

func (q *stubQueue) Await(_ context.Context, id string) (domain.Task, error) {
	q.awaited = append(q.awaited, id)
	return q.tasks[id], nil
}

func TestRunCyclesPayloads(t *testing.T) {
	a := domain.Payload{Language: "python", Solution: "a"}
	b := domain.Payload{Language: "java", Solution: "b"}
	q := &stubQueue{tasks: map[string]domain.Task{}}

	_, err := Run(context.Background(), q, Options{Payloads: []domain.Payload{a, b}, Length: 3})
	require.NoError(t, err)

	require.Equal(t, []domain.Payload{a, b, a}, q.pushed)
	require.Equal(t, []string{"task-0", "task-1", "task-2"}, q.awaited)
}

func TestRunStats(t *testing.T) {
	q := &stubQueue{tasks: map[string]domain.Task{
		"task-0": {StartedAt: 1000, CompletedAt: 2000},
		"task-1": {StartedAt: 1001, CompletedAt: 3000},
	}}

	stats, err := Run(context.Background(), q, Options{Length: 2})
	require.NoError(t, err)

	require.Equal(t, Stats{
		Operations:          2,
		StartedAt:           1000,
		CompletedAt:         3000,
		Duration:            2 * time.Second,
		OperationsPerSecond: 1,
	}, stats)
}

func TestRunDefaults(t *testing.T) {
	q := &stubQueue{tasks: map[string]domain.Task{}}

	_, err := Run(context.Background(), q, Options{})
	require.NoError(t, err)
	require.Len(t, q.pushed, DefaultLength)
	require.Equal(t, "javascript", q.pushed[0].Language)
	require.Equal(t, "python", q.pushed[1].Language)
	require.Equal(t, "java", q.pushed[2].Language)
	require.Equal(t, "javascript", q.pushed[3].Language)
}

func TestRunPushFailure(t *testing.T) {
	pushErr := errors.New("store unavailable")

	_, err := Run(context.Background(), &stubQueue{pushErr: pushErr}, Options{Length: 1})
	require.ErrorIs(t, err, pushErr)
}

type instantVerifier struct{}

func (instantVerifier) Supports(string) bool { return true }

func (instantVerifier) Verify(context.Context, domain.Payload) (domain.VerificationResult, error) {
	time.Sleep(time.Millisecond)
	return domain.VerificationResult{Solved: true}, nil
}

func TestRunAgainstWorker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st := store.NewMemory()
	worker := queue.NewCoordinator(st, instantVerifier{},
		domain.Identity{UID: "worker-1", IsWorker: true, Queue: queue.DefaultQueue},
		queue.Config{MaxWorkers: 2},
	)
	w, err := worker.Watch(ctx)
	require.NoError(t, err)
	defer w.Cancel(context.Background())

	client := queue.NewClient(st, queue.DefaultQueue, domain.Identity{UID: "bench", IsUser: true}, nil)
	stats, err := Run(ctx, client, Options{Length: 6})
	require.NoError(t, err)

	require.Equal(t, 6, stats.Operations)
	require.Positive(t, stats.StartedAt)
	require.GreaterOrEqual(t, stats.CompletedAt, stats.StartedAt)
}
