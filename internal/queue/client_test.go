package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dontdude/verifyq/internal/domain"
)

func TestClientPush(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()

	_, err := NewClient(st, DefaultQueue, domain.Identity{}, nil).Push(ctx, pythonPayload())
	require.ErrorIs(t, err, domain.ErrNotLoggedIn)

	client := NewClient(st, "", userID, nil)
	payload := pythonPayload()
	payload.Target = domain.PushTarget{SolutionRef: "/singpath/queuedSolutions/user1"}

	ids, err := client.PushTasks(ctx, []domain.Payload{pythonPayload(), payload})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Less(t, ids[0], ids[1])

	task, err := client.Get(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, ids[1], task.ID)
	require.Equal(t, userID.UID, task.Owner)
	require.False(t, task.Started)
	require.False(t, task.Completed)
	require.False(t, task.Consumed)
	require.NotZero(t, task.CreatedAt)
	require.Equal(t, payload, task.Payload)

	_, err = client.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientAwait(t *testing.T) {
	st := newMemoryStore()
	client := NewClient(st, DefaultQueue, userID, nil)
	c := newTestCoordinator(st, solvedVerifier(), Config{})

	t.Run("completed task", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		task := pushTask(t, st, pythonPayload())
		require.NoError(t, c.ClaimTask(ctx, task.ID))
		require.NoError(t, c.SaveTaskResults(ctx, task, domain.VerificationResult{Solved: true}))

		got, err := client.Await(ctx, task.ID)
		require.NoError(t, err)
		require.True(t, got.Consumed)
		require.True(t, getTask(t, st, task.ID).Consumed)
	})

	t.Run("never completed", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		task := pushTask(t, st, pythonPayload())
		_, err := client.Await(ctx, task.ID)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.False(t, getTask(t, st, task.ID).Consumed)
	})
}
