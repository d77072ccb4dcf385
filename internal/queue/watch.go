package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dontdude/verifyq/internal/domain"
)

var errWatchEnded = errors.New("task subscription ended")

// Watcher is a running watch of the queue. It stops on Cancel, when the
// watch context is done, or by itself when the task subscription fails.
type Watcher struct {
	c   *Coordinator
	reg *Registration
	sub domain.Subscription

	stop     context.CancelFunc
	loopDone chan struct{}

	once      sync.Once
	done      chan struct{}
	cancelErr error

	mu      sync.Mutex
	failure error
}

// Watch registers the worker and schedules every open task of the queue,
// current and future, until cancelled. Setup failures, like the identity not
// being a worker of this queue, are returned.
func (c *Coordinator) Watch(ctx context.Context) (*Watcher, error) {
	if c.verifier == nil {
		return nil, ErrNoVerifier
	}

	reg, err := c.RegisterWorker(ctx)
	if err != nil {
		return nil, err
	}

	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := c.store.Watch(loopCtx, c.tasks, domain.OrderByChild("started").EqualTo(false))
	if err != nil {
		stop()
		return nil, errors.Join(
			fmt.Errorf("failed to watch tasks: %w", err),
			reg.Deregister(context.WithoutCancel(ctx)),
		)
	}

	c.resume()
	w := &Watcher{
		c:        c,
		reg:      reg,
		sub:      sub,
		stop:     stop,
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop(ctx, loopCtx)

	c.logger.Info("Starting watching for new task")
	return w, nil
}

// loop is the scheduling loop: it reacts to open task events and to
// presence refreshes, one at a time.
func (w *Watcher) loop(parent, ctx context.Context) {
	defer close(w.loopDone)

	for {
		select {
		case <-ctx.Done():
			return

		case <-parent.Done():
			go w.Cancel(context.Background())
			return

		case now := <-w.reg.Presence():
			w.c.DetectFailures(ctx, now)

		case ev, ok := <-w.sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				err := w.sub.Err()
				if err == nil {
					err = errWatchEnded
				}
				w.c.logger.Error("Watch on new task failed unexpectedly", "error", err)
				w.fail(err)
				go w.Cancel(context.Background())
				return
			}
			if ev.Type == domain.EventRemoved {
				continue
			}

			task, err := domain.DecodeTask(ev.Key, ev.Value)
			if err != nil {
				w.c.logger.Error("Skipping undecodable task", "taskID", ev.Key, "error", err)
				continue
			}
			w.c.ScheduleTask(task)
		}
	}
}

// Cancel stops the watch: it stops the scheduling loop, closes the task
// subscription, deregisters the worker and drops buffered tasks. Every step
// runs even if an earlier one fails; the failures are returned together.
// Tasks already running are left to complete. Cancel may be called many
// times and returns the same result.
func (w *Watcher) Cancel(ctx context.Context) error {
	w.once.Do(func() {
		var errs []error
		w.c.pause()

		w.stop()
		<-w.loopDone

		if err := w.sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close task subscription: %w", err))
		}
		if err := w.reg.Deregister(ctx); err != nil {
			errs = append(errs, err)
		}
		if dropped := w.c.Reset(); len(dropped) > 0 {
			w.c.logger.Info("Dropped buffered tasks", "taskIDs", dropped)
		}

		w.cancelErr = errors.Join(errs...)
		w.c.logger.Info("Watch on new task stopped")
		close(w.done)
	})
	return w.cancelErr
}

// Done is closed once the watch is fully stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Err returns the failure that stopped the watch by itself, if any.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failure
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failure = err
}
