package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dontdude/verifyq/internal/domain"
)

func TestSolutionRecordPath(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		ref     string
		want    string
		wantErr bool
	}{
		{name: "rooted", root: "singpath", ref: "/singpath/queuedSolutions/pathA/problemA/user1", want: "queuedSolutions/pathA/problemA/user1"},
		{name: "no leading slash", root: "singpath", ref: "singpath/queuedSolutions/user1", want: "queuedSolutions/user1"},
		{name: "other root", root: "singpath", ref: "/classmentors/solutions/user1", wantErr: true},
		{name: "root only", root: "singpath", ref: "/singpath", wantErr: true},
		{name: "no key", root: "singpath", ref: "/singpath/queuedSolutions", wantErr: true},
		{name: "no root", root: "", ref: "/solutions/user1", want: "solutions/user1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := solutionRecordPath(tt.root, tt.ref)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSolutionRef)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	c := newTestCoordinator(newMemoryStore(), solvedVerifier(), Config{MaxWorkers: -3})

	cfg := c.Config()
	require.Equal(t, 1, cfg.MaxWorkers)
	require.Equal(t, DefaultPresenceInterval, cfg.PresenceInterval)
	require.Equal(t, DefaultTaskTimeout, cfg.TaskTimeout)
	require.NotNil(t, cfg.Logger)
}

func TestScheduleTaskSkips(t *testing.T) {
	st := newMemoryStore()
	task := domain.Task{ID: "task-1", Payload: pythonPayload()}

	t.Run("not a worker", func(t *testing.T) {
		c := NewCoordinator(st, solvedVerifier(), domain.Identity{UID: "worker-1", IsWorker: true, Queue: "other"}, Config{})
		require.False(t, c.IsWorker())
		require.False(t, c.ScheduleTask(task))
		require.Zero(t, c.Pending())
	})

	t.Run("already started", func(t *testing.T) {
		c := newTestCoordinator(st, solvedVerifier(), Config{})
		started := task
		started.Started = true
		require.False(t, c.ScheduleTask(started))
		require.Zero(t, c.Pending())
	})

	t.Run("unsupported language", func(t *testing.T) {
		c := newTestCoordinator(st, solvedVerifier(), Config{})
		dino := task
		dino.Payload.Language = "dinolang"
		require.False(t, c.ScheduleTask(dino))
		require.Zero(t, c.Pending())
		require.Zero(t, c.Running())
	})

	t.Run("failed before by this worker", func(t *testing.T) {
		c := newTestCoordinator(st, solvedVerifier(), Config{})
		tried := task
		tried.Tries = map[string]int64{workerID.UID: 1000}
		require.False(t, c.ScheduleTask(tried))
		require.Zero(t, c.Pending())
	})

	t.Run("failed before by another worker", func(t *testing.T) {
		v := &stubVerifier{block: make(chan struct{})}
		c := newTestCoordinator(st, v, Config{})
		tried := task
		tried.Tries = map[string]int64{"worker-2": 1000}
		require.True(t, c.ScheduleTask(tried))
		close(v.block)
		c.Wait()
	})
}

func TestScheduleTaskBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()
	v := solvedVerifier()
	v.delay = 2 * time.Millisecond
	c := newTestCoordinator(st, v, Config{MaxWorkers: 2})

	tasks := make([]domain.Task, 50)
	for i := range tasks {
		tasks[i] = pushTask(t, st, pythonPayload())
	}
	for _, task := range tasks {
		require.True(t, c.ScheduleTask(task))
		require.LessOrEqual(t, c.Running(), 2)
	}

	require.Eventually(t, func() bool {
		done, err := st.Query(ctx, tasksPath(DefaultQueue), domain.OrderByChild("completed").EqualTo(true))
		return err == nil && len(done) == len(tasks)
	}, 5*time.Second, 10*time.Millisecond)
	c.Wait()

	calls, maxSeen := v.stats()
	require.Equal(t, len(tasks), calls)
	require.LessOrEqual(t, maxSeen, 2)
	require.Zero(t, c.Pending())
}

func TestScheduleTaskSkipsTaskAlreadyRunning(t *testing.T) {
	st := newMemoryStore()
	v := solvedVerifier()
	v.block = make(chan struct{})
	c := newTestCoordinator(st, v, Config{MaxWorkers: 2})

	task := pushTask(t, st, pythonPayload())
	require.True(t, c.ScheduleTask(task))
	require.True(t, c.ScheduleTask(task))

	require.Equal(t, 1, c.Running())
	require.Zero(t, c.Pending())

	close(v.block)
	c.Wait()

	calls, _ := v.stats()
	require.Equal(t, 1, calls)
}

func TestReset(t *testing.T) {
	st := newMemoryStore()
	v := solvedVerifier()
	v.block = make(chan struct{})
	c := newTestCoordinator(st, v, Config{MaxWorkers: 1})

	a := pushTask(t, st, pythonPayload())
	b := pushTask(t, st, pythonPayload())
	d := pushTask(t, st, pythonPayload())
	for _, task := range []domain.Task{a, b, d} {
		require.True(t, c.ScheduleTask(task))
	}
	require.Equal(t, 1, c.Running())
	require.Equal(t, 2, c.Pending())

	require.Equal(t, []string{b.ID, d.ID}, c.Reset())
	require.Zero(t, c.Pending())

	close(v.block)
	c.Wait()
	require.True(t, getTask(t, st, a.ID).Completed)
	require.False(t, getTask(t, st, b.ID).Started)
}

func TestRunTaskLostClaim(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()
	v := solvedVerifier()
	c := newTestCoordinator(st, v, Config{})

	task := pushTask(t, st, pythonPayload())
	other := NewCoordinator(st, v, domain.Identity{UID: "worker-2", IsWorker: true, Queue: DefaultQueue}, Config{})
	require.NoError(t, other.ClaimTask(ctx, task.ID))

	// task is the stale, unstarted view of the record.
	require.True(t, c.ScheduleTask(task))
	c.Wait()

	calls, _ := v.stats()
	require.Zero(t, calls)
	require.Zero(t, c.Running())

	stored := getTask(t, st, task.ID)
	require.Equal(t, "worker-2", stored.Worker)
	require.Empty(t, stored.Tries)
}

func TestRunTaskVerifierFailure(t *testing.T) {
	st := newMemoryStore()
	v := &stubVerifier{err: errors.New("container start failed")}
	c := newTestCoordinator(st, v, Config{})

	task := pushTask(t, st, pythonPayload())
	require.True(t, c.ScheduleTask(task))
	c.Wait()

	stored := getTask(t, st, task.ID)
	require.False(t, stored.Started)
	require.False(t, stored.Completed)
	require.Empty(t, stored.Worker)
	require.Zero(t, stored.StartedAt)
	require.True(t, stored.TriedBy(workerID.UID))

	// The failed task is not picked up again by the same worker.
	require.False(t, c.ScheduleTask(stored))
}

func TestClaimTask(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()
	a := newTestCoordinator(st, solvedVerifier(), Config{})
	b := NewCoordinator(st, solvedVerifier(), domain.Identity{UID: "worker-2", IsWorker: true, Queue: DefaultQueue}, Config{})

	task := pushTask(t, st, pythonPayload())

	require.NoError(t, a.ClaimTask(ctx, task.ID))
	require.ErrorIs(t, b.ClaimTask(ctx, task.ID), domain.ErrPreconditionFailed)

	stored := getTask(t, st, task.ID)
	require.True(t, stored.Started)
	require.Equal(t, workerID.UID, stored.Worker)
	require.NotZero(t, stored.StartedAt)
}

func TestClaimTaskRequiresWorker(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()
	task := pushTask(t, st, pythonPayload())

	anonymous := NewCoordinator(st, solvedVerifier(), domain.Identity{}, Config{})
	require.ErrorIs(t, anonymous.ClaimTask(ctx, task.ID), domain.ErrNotLoggedIn)

	user := NewCoordinator(st, solvedVerifier(), userID, Config{})
	require.ErrorIs(t, user.ClaimTask(ctx, task.ID), domain.ErrNotWorker)
	require.ErrorIs(t, user.RemoveTaskClaim(ctx, task.ID, ""), domain.ErrNotWorker)
	require.ErrorIs(t, user.SaveTaskResults(ctx, task, domain.VerificationResult{}), domain.ErrNotWorker)

	_, err := user.RegisterWorker(ctx)
	require.ErrorIs(t, err, domain.ErrNotWorker)

	require.False(t, getTask(t, st, task.ID).Started)
}

func TestRemoveTaskClaim(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()
	c := newTestCoordinator(st, solvedVerifier(), Config{})

	t.Run("reopens the task", func(t *testing.T) {
		task := pushTask(t, st, pythonPayload())
		require.NoError(t, c.ClaimTask(ctx, task.ID))
		require.NoError(t, c.RemoveTaskClaim(ctx, task.ID, ""))

		stored := getTask(t, st, task.ID)
		require.False(t, stored.Started)
		require.Empty(t, stored.Worker)
		require.Empty(t, stored.Tries)
	})

	t.Run("records the failed attempt", func(t *testing.T) {
		task := pushTask(t, st, pythonPayload())
		require.NoError(t, c.ClaimTask(ctx, task.ID))
		require.NoError(t, c.RemoveTaskClaim(ctx, task.ID, "worker-9"))

		stored := getTask(t, st, task.ID)
		require.True(t, stored.TriedBy("worker-9"))
		require.False(t, stored.TriedBy(workerID.UID))
	})

	t.Run("keeps completed tasks", func(t *testing.T) {
		task := pushTask(t, st, pythonPayload())
		require.NoError(t, c.ClaimTask(ctx, task.ID))
		require.NoError(t, c.SaveTaskResults(ctx, task, domain.VerificationResult{Solved: true}))

		require.ErrorIs(t, c.RemoveTaskClaim(ctx, task.ID, workerID.UID), domain.ErrPreconditionFailed)
		require.True(t, getTask(t, st, task.ID).Started)
	})
}

func TestSaveTaskResultsPull(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()
	c := newTestCoordinator(st, solvedVerifier(), Config{})

	task := pushTask(t, st, pythonPayload())
	require.NoError(t, c.ClaimTask(ctx, task.ID))
	require.NoError(t, c.SaveTaskResults(ctx, task, domain.VerificationResult{Solved: false, Errors: "SyntaxError"}))

	stored := getTask(t, st, task.ID)
	require.True(t, stored.Completed)
	require.False(t, stored.Consumed)
	require.NotZero(t, stored.CompletedAt)
	require.NotNil(t, stored.Results)
	require.False(t, stored.Results.Solved)
	require.Equal(t, "SyntaxError", stored.Results.Errors)
}

func TestSaveTaskResultsPush(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()
	c := newTestCoordinator(st, solvedVerifier(), Config{})

	payload := pythonPayload()
	payload.Target = domain.PushTarget{SolutionRef: "/singpath/queuedSolutions/pathA/problemA/user1"}
	task := pushTask(t, st, payload)
	require.Equal(t, payload.Target, task.Payload.Target)

	require.NoError(t, st.Set(ctx, "queuedSolutions/pathA/problemA/user1", map[string]any{
		"solution": "foo = 1",
		"meta":     map[string]any{"taskId": task.ID},
	}))

	require.NoError(t, c.ClaimTask(ctx, task.ID))
	require.NoError(t, c.SaveTaskResults(ctx, task, domain.VerificationResult{Solved: true}))

	stored := getTask(t, st, task.ID)
	require.True(t, stored.Completed)
	require.True(t, stored.Consumed)
	require.Nil(t, stored.Results)

	solution, err := st.Get(ctx, "queuedSolutions/pathA/problemA/user1")
	require.NoError(t, err)
	require.Equal(t, "foo = 1", solution["solution"])

	verified, _ := domain.Lookup(solution, "meta/verified")
	require.Equal(t, true, verified)
	solved, _ := domain.Lookup(solution, "meta/solved")
	require.Equal(t, true, solved)
	taskID, _ := domain.Lookup(solution, "meta/taskId")
	require.Equal(t, task.ID, taskID)
	result, ok := domain.Lookup(solution, "results/"+task.ID+"/solved")
	require.True(t, ok)
	require.Equal(t, true, result)
}

func TestSaveTaskResultsPushFallback(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryStore()
	st := &faultyStore{
		Store: mem,
		failUpdate: func(updates []domain.Update) error {
			for _, u := range updates {
				if strings.HasPrefix(u.Record, "queuedSolutions/") {
					return errors.New("permission denied")
				}
			}
			return nil
		},
	}
	c := newTestCoordinator(st, solvedVerifier(), Config{})

	tests := map[string]string{
		"write rejected":   "/singpath/queuedSolutions/pathA/problemA/user1",
		"invalid solution": "/elsewhere/solutions/user1",
	}
	for name, ref := range tests {
		t.Run(name, func(t *testing.T) {
			payload := pythonPayload()
			payload.Target = domain.PushTarget{SolutionRef: ref}
			task := pushTask(t, st, payload)

			require.NoError(t, c.ClaimTask(ctx, task.ID))
			require.NoError(t, c.SaveTaskResults(ctx, task, domain.VerificationResult{Solved: true}))

			stored := getTask(t, st, task.ID)
			require.True(t, stored.Completed)
			require.False(t, stored.Consumed)
			require.NotNil(t, stored.Results)
			require.True(t, stored.Results.Solved)

			_, err := mem.Get(ctx, "queuedSolutions/pathA/problemA/user1")
			require.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestRegisterWorker(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()
	c := newTestCoordinator(st, solvedVerifier(), Config{PresenceInterval: 10 * time.Millisecond})

	reg, err := c.RegisterWorker(ctx)
	require.NoError(t, err)

	doc, err := st.Get(ctx, c.workerRecord())
	require.NoError(t, err)
	worker, err := domain.DecodeWorker(doc)
	require.NoError(t, err)
	require.NotZero(t, worker.StartedAt)

	first := <-reg.Presence()
	require.Equal(t, worker.Presence, first)

	var refreshed int64
	require.Eventually(t, func() bool {
		select {
		case refreshed = <-reg.Presence():
			return refreshed > first
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Deregister(ctx))
	require.NoError(t, reg.Deregister(ctx))

	_, err = st.Get(ctx, c.workerRecord())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDetectFailuresRemovesStaleWorkers(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()
	c := newTestCoordinator(st, solvedVerifier(), Config{
		PresenceInterval: 500 * time.Millisecond,
		TaskTimeout:      time.Hour,
	})

	now := time.Now().UnixMilli()
	workers := map[string]int64{
		"stale":        now - 1001,
		"recent":       now - 999,
		"on-threshold": now - 1000,
		workerID.UID:   now - 5000,
	}
	for uid, presence := range workers {
		require.NoError(t, st.Set(ctx, domain.JoinPath(workersPath(DefaultQueue), uid), map[string]any{
			"startedAt": presence,
			"presence":  presence,
		}))
	}

	c.DetectFailures(ctx, now)

	exists := func(uid string) bool {
		_, err := st.Get(ctx, domain.JoinPath(workersPath(DefaultQueue), uid))
		return err == nil
	}
	require.False(t, exists("stale"))
	require.True(t, exists("recent"))
	require.True(t, exists("on-threshold"))
	require.True(t, exists(workerID.UID))
}

func TestDetectFailuresReleasesStaleClaims(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore()
	c := newTestCoordinator(st, solvedVerifier(), Config{
		PresenceInterval: time.Hour,
		TaskTimeout:      time.Second,
	})

	now := time.Now().UnixMilli()
	docs := map[string]map[string]any{
		"stale":     {"started": true, "completed": false, "worker": "gone", "startedAt": now - 2001},
		"running":   {"started": true, "completed": false, "worker": "alive", "startedAt": now - 1999},
		"completed": {"started": true, "completed": true, "worker": "gone", "startedAt": now - 10000},
		"open":      {"started": false, "completed": false},
	}
	for id, doc := range docs {
		doc["payload"] = pythonPayload()
		require.NoError(t, st.Set(ctx, domain.JoinPath(tasksPath(DefaultQueue), id), doc))
	}

	c.DetectFailures(ctx, now)

	stale := getTask(t, st, "stale")
	require.False(t, stale.Started)
	require.Empty(t, stale.Worker)
	require.Zero(t, stale.StartedAt)
	require.Empty(t, stale.Tries)

	require.Equal(t, "alive", getTask(t, st, "running").Worker)
	require.True(t, getTask(t, st, "completed").Started)
	require.False(t, getTask(t, st, "open").Started)
}

func TestIsStale(t *testing.T) {
	for _, tt := range []struct {
		ts, threshold int64
		want          bool
	}{
		{999, 1000, true},
		{1000, 1000, false},
		{1001, 1000, false},
	} {
		t.Run(fmt.Sprintf("%d/%d", tt.ts, tt.threshold), func(t *testing.T) {
			require.Equal(t, tt.want, isStale(tt.ts, tt.threshold))
		})
	}
}
