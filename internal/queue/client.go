package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dontdude/verifyq/internal/domain"
)

// Client pushes tasks to a queue and collects their results.
type Client struct {
	store    domain.Store
	identity domain.Identity
	name     string
	tasks    string
	logger   *slog.Logger
}

// NewClient returns a client of the named queue acting as identity.
func NewClient(st domain.Store, name string, identity domain.Identity, logger *slog.Logger) *Client {
	if name == "" {
		name = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		store:    st,
		identity: identity,
		name:     name,
		tasks:    tasksPath(name),
		logger:   logger.With("queue", name),
	}
}

// Push adds a task to the queue and returns its id.
func (c *Client) Push(ctx context.Context, payload domain.Payload) (string, error) {
	if !c.identity.LoggedIn() {
		return "", domain.ErrNotLoggedIn
	}

	id, err := c.store.Push(ctx, c.tasks, map[string]any{
		"started":   false,
		"completed": false,
		"consumed":  false,
		"owner":     c.identity.UID,
		"payload":   payload,
		"createdAt": domain.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to push task: %w", err)
	}

	c.logger.Debug("Task pushed", "taskID", id, "language", payload.Language)
	return id, nil
}

// PushTasks pushes every payload, stopping at the first failure.
func (c *Client) PushTasks(ctx context.Context, payloads []domain.Payload) ([]string, error) {
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := c.Push(ctx, p)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get returns the current state of a task.
func (c *Client) Get(ctx context.Context, id string) (domain.Task, error) {
	doc, err := c.store.Get(ctx, domain.JoinPath(c.tasks, id))
	if err != nil {
		return domain.Task{}, err
	}
	return domain.DecodeTask(id, doc)
}

// Await blocks until the task is completed, marks it consumed and returns it.
func (c *Client) Await(ctx context.Context, id string) (domain.Task, error) {
	sub, err := c.store.Watch(ctx, c.tasks, domain.OrderByChild("completed").EqualTo(true))
	if err != nil {
		return domain.Task{}, fmt.Errorf("failed to watch task %s: %w", id, err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return domain.Task{}, ctx.Err()

		case ev, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return domain.Task{}, ctx.Err()
				}
				return domain.Task{}, errors.Join(errWatchEnded, sub.Err())
			}
			if ev.Key != id || ev.Type == domain.EventRemoved {
				continue
			}

			task, err := domain.DecodeTask(ev.Key, ev.Value)
			if err != nil {
				return domain.Task{}, err
			}
			if err := c.consume(ctx, id); err != nil {
				return domain.Task{}, err
			}
			task.Consumed = true
			return task, nil
		}
	}
}

func (c *Client) consume(ctx context.Context, id string) error {
	err := c.store.Update(ctx, domain.Update{
		Record: domain.JoinPath(c.tasks, id),
		Fields: map[string]any{"consumed": true},
	})
	if err != nil {
		return fmt.Errorf("failed to mark task %s consumed: %w", id, err)
	}
	return nil
}
