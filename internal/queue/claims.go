package queue

import (
	"context"
	"fmt"

	"github.com/dontdude/verifyq/internal/domain"
)

// ClaimTask marks the task as started by this worker. The write only applies
// if the task is still unstarted, so of two racing workers one gets
// domain.ErrPreconditionFailed.
func (c *Coordinator) ClaimTask(ctx context.Context, id string) error {
	if err := c.authorize(); err != nil {
		return err
	}

	err := c.store.Update(ctx, domain.Update{
		Record: c.taskRecord(id),
		Fields: map[string]any{
			"worker":    c.identity.UID,
			"started":   true,
			"startedAt": domain.ServerTimestamp,
		},
		Expect: map[string]any{"started": false},
	})
	if err != nil {
		c.logger.Debug("Failed to claim task", "taskID", id, "error", err)
		return fmt.Errorf("failed to claim task %s: %w", id, err)
	}

	c.logger.Info("Task claimed", "taskID", id)
	return nil
}

// RemoveTaskClaim reopens a task that is not completed. When failedBy is set
// the attempt is recorded in the task tries, so that worker skips it from now on.
func (c *Coordinator) RemoveTaskClaim(ctx context.Context, id, failedBy string) error {
	if err := c.authorize(); err != nil {
		return err
	}

	fields := releaseFields()
	if failedBy != "" {
		fields["tries/"+failedBy] = domain.ServerTimestamp
	}

	err := c.store.Update(ctx, domain.Update{
		Record: c.taskRecord(id),
		Fields: fields,
		Expect: map[string]any{"completed": false},
	})
	if err != nil {
		c.logger.Error("Failed to remove task claim", "taskID", id, "error", err)
		return fmt.Errorf("failed to remove claim on task %s: %w", id, err)
	}

	c.logger.Info("Task claim removed", "taskID", id)
	return nil
}

func releaseFields() map[string]any {
	return map[string]any{
		"worker":    nil,
		"started":   false,
		"startedAt": nil,
	}
}
