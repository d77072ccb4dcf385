package queue

import (
	"context"
	"fmt"

	"github.com/dontdude/verifyq/internal/domain"
)

// SaveTaskResults persists the verification result of a claimed task.
//
// Pull task results are written on the task. Push task results are merged
// into the referenced solution together with completing the task; if that
// write fails the results are saved on the task instead.
func (c *Coordinator) SaveTaskResults(ctx context.Context, task domain.Task, result domain.VerificationResult) error {
	if err := c.authorize(); err != nil {
		return err
	}
	logger := c.logger.With("taskID", task.ID)

	var err error
	switch target := task.Payload.Target.(type) {
	case domain.PushTarget:
		if err = c.savePushTaskResults(ctx, task.ID, target, result); err != nil {
			logger.Warn("Failed to save results with the solution, saving them with the task", "solutionRef", target.SolutionRef, "error", err)
			err = c.savePullTaskResults(ctx, task.ID, result)
		}
	case domain.PullTarget, nil:
		err = c.savePullTaskResults(ctx, task.ID, result)
	default:
		err = fmt.Errorf("unknown result target %T", target)
	}

	if err != nil {
		logger.Error("Failed to save task results", "error", err)
		return fmt.Errorf("failed to save results of task %s: %w", task.ID, err)
	}

	logger.Info("Task results saved")
	return nil
}

func (c *Coordinator) savePushTaskResults(ctx context.Context, id string, target domain.PushTarget, result domain.VerificationResult) error {
	solution, err := solutionRecordPath(c.cfg.Root, target.SolutionRef)
	if err != nil {
		return err
	}

	return c.store.Update(ctx,
		domain.Update{
			Record: solution,
			Fields: map[string]any{
				"results/" + id: result,
				"meta/verified": true,
				"meta/solved":   result.Solved,
			},
		},
		domain.Update{
			Record: c.taskRecord(id),
			Fields: map[string]any{
				"completed":   true,
				"completedAt": domain.ServerTimestamp,
				"consumed":    true,
			},
		},
	)
}

func (c *Coordinator) savePullTaskResults(ctx context.Context, id string, result domain.VerificationResult) error {
	return c.store.Update(ctx, domain.Update{
		Record: c.taskRecord(id),
		Fields: map[string]any{
			"results":     result,
			"completed":   true,
			"completedAt": domain.ServerTimestamp,
		},
	})
}
