package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dontdude/verifyq/internal/domain"
)

// Registration is the presence record of a registered worker, refreshed on
// a timer until Deregister.
type Registration struct {
	c        *Coordinator
	record   string
	presence chan int64

	stop context.CancelFunc
	done chan struct{}

	once sync.Once
	err  error
}

// RegisterWorker writes the worker presence record and starts refreshing it
// every PresenceInterval.
func (c *Coordinator) RegisterWorker(ctx context.Context) (*Registration, error) {
	if err := c.authorize(); err != nil {
		return nil, err
	}

	record := c.workerRecord()
	err := c.store.Set(ctx, record, map[string]any{
		"startedAt": domain.ServerTimestamp,
		"presence":  domain.ServerTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}
	c.logger.Info("Worker registered")

	timerCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	r := &Registration{
		c:        c,
		record:   record,
		presence: make(chan int64, 1),
		stop:     stop,
		done:     make(chan struct{}),
	}

	if now, err := c.readPresence(ctx); err == nil {
		r.publish(now)
	}

	go r.refresh(timerCtx)
	return r, nil
}

// Presence delivers the latest presence timestamp after each refresh.
// Unread values are replaced by newer ones.
func (r *Registration) Presence() <-chan int64 {
	return r.presence
}

// Deregister stops the presence timer and deletes the presence record.
func (r *Registration) Deregister(ctx context.Context) error {
	r.once.Do(func() {
		r.stop()
		<-r.done

		if err := r.c.authorize(); err != nil {
			r.err = err
			return
		}
		if err := r.c.store.Remove(ctx, r.record); err != nil {
			r.err = fmt.Errorf("failed to remove worker: %w", err)
			return
		}
		r.c.logger.Info("Worker removed")
	})
	return r.err
}

func (r *Registration) refresh(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.c.cfg.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.c.logger.Debug("Stopping updating presence")
			return
		case <-ticker.C:
			now, err := r.c.UpdatePresence(ctx)
			if err != nil {
				continue
			}
			r.publish(now)
		}
	}
}

func (r *Registration) publish(now int64) {
	for {
		select {
		case r.presence <- now:
			return
		default:
		}
		select {
		case <-r.presence:
		default:
		}
	}
}

// UpdatePresence refreshes the worker presence and returns the timestamp the
// store assigned to it.
func (c *Coordinator) UpdatePresence(ctx context.Context) (int64, error) {
	if err := c.authorize(); err != nil {
		return 0, err
	}

	err := c.store.Update(ctx, domain.Update{
		Record: c.workerRecord(),
		Fields: map[string]any{"presence": domain.ServerTimestamp},
	})
	if err != nil {
		c.logger.Error("Failed to update worker presence", "error", err)
		return 0, fmt.Errorf("failed to update presence: %w", err)
	}

	now, err := c.readPresence(ctx)
	if err != nil {
		c.logger.Error("Failed to read worker presence", "error", err)
		return 0, err
	}

	c.logger.Debug("Worker presence updated", "presence", time.UnixMilli(now))
	return now, nil
}

func (c *Coordinator) readPresence(ctx context.Context) (int64, error) {
	doc, err := c.store.Get(ctx, c.workerRecord())
	if err != nil {
		return 0, fmt.Errorf("failed to read presence: %w", err)
	}

	w, err := domain.DecodeWorker(doc)
	if err != nil {
		return 0, err
	}
	return w.Presence, nil
}

// DetectFailures removes peers whose presence is older than two presence
// intervals and reopens tasks claimed more than two task timeouts ago.
//
// now is this worker's own presence timestamp, so staleness is judged on one
// timeline whatever the clocks of the peers.
func (c *Coordinator) DetectFailures(ctx context.Context, now int64) {
	c.logger.Debug("Presence time", "now", time.UnixMilli(now))

	if _, err := c.removeStaleWorkers(ctx, now-2*c.cfg.PresenceInterval.Milliseconds()); err != nil {
		c.logger.Error("Failed to remove stale workers", "error", err)
	}
	if _, err := c.releaseStaleClaims(ctx, now-2*c.cfg.TaskTimeout.Milliseconds()); err != nil {
		c.logger.Error("Failed to release stale claims", "error", err)
	}
}

func isStale(ts, threshold int64) bool {
	return ts < threshold
}

func (c *Coordinator) removeStaleWorkers(ctx context.Context, olderThan int64) (int, error) {
	c.logger.Debug("Removing worker older than", "olderThan", time.UnixMilli(olderThan))

	snaps, err := c.store.Query(ctx, c.workers, domain.OrderByChild("presence").EndAt(olderThan))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, snap := range snaps {
		w, err := domain.DecodeWorker(snap.Value)
		if err != nil || snap.Key == c.identity.UID || !isStale(w.Presence, olderThan) {
			continue
		}

		if err := c.store.Remove(ctx, domain.JoinPath(c.workers, snap.Key)); err != nil {
			c.logger.Error("Failed to remove worker", "staleWorker", snap.Key, "error", err)
			continue
		}
		c.logger.Info("Worker removed", "staleWorker", snap.Key)
		removed++
	}
	return removed, nil
}

func (c *Coordinator) releaseStaleClaims(ctx context.Context, claimedBefore int64) (int, error) {
	c.logger.Debug("Removing claims on task older than", "claimedBefore", time.UnixMilli(claimedBefore))

	snaps, err := c.store.Query(ctx, c.tasks, domain.OrderByChild("completed").EqualTo(false))
	if err != nil {
		return 0, err
	}

	released := 0
	for _, snap := range snaps {
		task, err := domain.DecodeTask(snap.Key, snap.Value)
		if err != nil || !task.Started || !isStale(task.StartedAt, claimedBefore) {
			continue
		}

		// Skip it if the task got completed or claimed again since the query.
		err = c.store.Update(ctx, domain.Update{
			Record: c.taskRecord(task.ID),
			Fields: releaseFields(),
			Expect: map[string]any{"completed": false, "startedAt": task.StartedAt},
		})
		if err != nil {
			c.logger.Debug("Stale claim not removed", "taskID", task.ID, "error", err)
			continue
		}
		c.logger.Info("Stale task claim removed", "taskID", task.ID, "staleWorker", task.Worker)
		released++
	}
	return released, nil
}
