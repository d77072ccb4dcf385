package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dontdude/verifyq/internal/domain"
	"github.com/dontdude/verifyq/internal/fifo"
)

// ScheduleTask buffers an open task and starts it right away if a slot is
// free. It reports whether the task was accepted; tasks in a language no
// image supports, or that this worker already failed, are skipped.
func (c *Coordinator) ScheduleTask(task domain.Task) bool {
	logger := c.logger.With("taskID", task.ID)

	switch {
	case !c.IsWorker():
		logger.Warn("Task skipped, not a worker for this queue")
		return false
	case task.Started:
		logger.Debug("Task skipped, already started")
		return false
	case c.verifier == nil || !c.verifier.Supports(task.Payload.Language):
		logger.Info("Task skipped, unsupported language", "language", task.Payload.Language)
		return false
	case task.TriedBy(c.identity.UID):
		logger.Info("Task skipped, this worker already failed it")
		return false
	}

	c.pending.Push(task)
	logger.Info("Task run scheduled")
	logger.Debug("Task payload", "language", task.Payload.Language, "owner", task.Owner)

	c.dispatch()
	return true
}

// dispatch starts buffered tasks while slots are free.
func (c *Coordinator) dispatch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.paused && c.running < c.cfg.MaxWorkers {
		task, ok := c.pending.Pop()
		if !ok {
			return
		}
		if _, busy := c.inflight[task.ID]; busy {
			c.logger.Debug("Task already running on this worker", "taskID", task.ID)
			continue
		}

		c.running++
		c.inflight[task.ID] = struct{}{}
		c.wg.Add(1)
		go c.runTask(task)
	}
}

// Reset drops every buffered task and returns their ids.
func (c *Coordinator) Reset() []string {
	return fifo.Reset(c.pending, func(t domain.Task) string { return t.ID })
}

func (c *Coordinator) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *Coordinator) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// runTask claims, verifies and saves one task. Every failure ends here:
// a lost claim is abandoned silently, a claim the store could not write is
// buffered again later, anything else releases the claim and records the
// failed attempt. The freed slot goes to the next buffered task.
func (c *Coordinator) runTask(task domain.Task) {
	logger := c.logger.With("taskID", task.ID)
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task run panicked", "panic", fmt.Sprint(r))
			c.releaseFailed(ctx, task.ID)
		}

		c.mu.Lock()
		c.running--
		delete(c.inflight, task.ID)
		c.mu.Unlock()
		c.wg.Done()

		c.dispatch()
	}()

	if err := c.ClaimTask(ctx, task.ID); err != nil {
		if !errors.Is(err, domain.ErrPreconditionFailed) {
			logger.Error("Failed to claim task, retrying later", "error", err, "retryIn", c.cfg.ClaimRetryDelay)
			time.AfterFunc(c.cfg.ClaimRetryDelay, func() { c.retryClaim(task) })
		}
		return
	}

	result, err := c.verifier.Verify(ctx, task.Payload)
	if err != nil {
		logger.Error("Task failed running", "error", err)
		c.releaseFailed(ctx, task.ID)
		return
	}
	logger.Info("Task run", "solved", result.Solved)

	if err := c.SaveTaskResults(ctx, task, result); err != nil {
		c.releaseFailed(ctx, task.ID)
	}
}

// retryClaim buffers again a task whose claim could not be written, unless
// the watch stopped meanwhile.
func (c *Coordinator) retryClaim(task domain.Task) {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()

	if !paused {
		c.ScheduleTask(task)
	}
}

func (c *Coordinator) releaseFailed(ctx context.Context, id string) {
	// already logged by RemoveTaskClaim
	_ = c.RemoveTaskClaim(ctx, id, c.identity.UID)
}
