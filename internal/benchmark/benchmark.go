// Package benchmark measures the throughput of a queue and its workers.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/verifyq/internal/domain"
)

const DefaultLength = 20

var ErrNoTasks = errors.New("no task completed")

// Queue is the client side of a task queue.
type Queue interface {
	PushTasks(ctx context.Context, payloads []domain.Payload) ([]string, error)
	Await(ctx context.Context, id string) (domain.Task, error)
}

// Options configures a run.
type Options struct {
	// Payloads are the samples pushed in turn; DefaultPayloads when empty.
	Payloads []domain.Payload
	// Length is the number of tasks to push.
	Length int
	Logger *slog.Logger
}

// Stats summarizes a run. Times are store timestamps in milliseconds.
type Stats struct {
	Operations          int           `json:"operations"`
	StartedAt           int64         `json:"startedAt"`
	CompletedAt         int64         `json:"completedAt"`
	Duration            time.Duration `json:"duration"`
	OperationsPerSecond float64       `json:"operationsPerSecond"`
}

// DefaultPayloads returns one sample payload per supported language.
func DefaultPayloads() []domain.Payload {
	return []domain.Payload{
		{
			Language: "javascript",
			Tests:    "test('foo === 1', () => assert.equal(1, foo));",
			Solution: "foo = 1",
			Target:   domain.PullTarget{},
		},
		{
			Language: "python",
			Tests:    ">>> foo\n1",
			Solution: "foo = 1",
			Target:   domain.PullTarget{},
		},
		{
			Language: "java",
			Tests:    javaTests,
			Solution: javaSolution,
			Target:   domain.PullTarget{},
		},
	}
}

// Run pushes Length tasks, waits for all of them to complete and reports
// the span between the first start and the last completion. It does not
// reset the queue.
func Run(ctx context.Context, q Queue, opts Options) (Stats, error) {
	samples := opts.Payloads
	if len(samples) == 0 {
		samples = DefaultPayloads()
	}
	length := opts.Length
	if length < 1 {
		length = DefaultLength
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	payloads := make([]domain.Payload, length)
	for i := range payloads {
		payloads[i] = samples[i%len(samples)]
	}

	logger.Info("Creating payloads", "length", length)
	ids, err := q.PushTasks(ctx, payloads)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to push tasks: %w", err)
	}
	logger.Info("Tasks created, waiting for completion")

	tasks := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		task, err := q.Await(ctx, id)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to await task %s: %w", id, err)
		}
		tasks = append(tasks, task)
	}
	logger.Info("Tasks completed")

	stats, err := summarize(tasks)
	if err != nil {
		return Stats{}, err
	}
	logger.Info("Benchmark done",
		"operations", stats.Operations,
		"duration", stats.Duration,
		"opsPerSec", stats.OperationsPerSecond,
	)
	return stats, nil
}

func summarize(tasks []domain.Task) (Stats, error) {
	if len(tasks) == 0 {
		return Stats{}, ErrNoTasks
	}

	stats := Stats{
		Operations:  len(tasks),
		StartedAt:   tasks[0].StartedAt,
		CompletedAt: tasks[0].CompletedAt,
	}
	for _, t := range tasks[1:] {
		stats.StartedAt = min(stats.StartedAt, t.StartedAt)
		stats.CompletedAt = max(stats.CompletedAt, t.CompletedAt)
	}

	elapsed := stats.CompletedAt - stats.StartedAt
	stats.Duration = time.Duration(elapsed) * time.Millisecond
	if elapsed > 0 {
		stats.OperationsPerSecond = float64(stats.Operations) * 1000 / float64(elapsed)
	}
	return stats, nil
}

const javaTests = `
import org.junit.Test;
import static org.junit.Assert.*;
import junit.framework.*;
import com.singpath.SolutionRunner;

public class SingPathTest extends SolutionRunner {

  @Test
  public void testSolution() throws Exception {
    SingPath sp = new SingPath();
    assertEquals(4.0, sp.add(2.0, 2.0));
  }
}`

const javaSolution = `
public class SingPath {
  public Double add(Double x, Double y) {
    return x + y + 1;
  }
}`
