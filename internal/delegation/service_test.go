package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/internal/memorystore"
	"github.com/opsloop/agentcore/pkg/types"
)

func setupDelegation(t *testing.T, cfg Config) (*Service, *clock.Frozen) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := memorystore.NewInMemory(clk)
	return New(clk, log, mem, cfg), clk
}

func testSnapshot(takenAt time.Time) *types.ProactiveSnapshot {
	return &types.ProactiveSnapshot{TakenAt: takenAt}
}

func TestHarvestAndQueueCreatesOneTaskPerRecommendation(t *testing.T) {
	svc, _ := setupDelegation(t, Config{})
	snap := testSnapshot(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	recs := []types.Recommendation{
		{Action: "Refactor latency thresholds", Finding: "p99 regressed"},
		{Action: "Rotate API keys", Finding: "stale credentials"},
	}

	ids, err := svc.HarvestAndQueue(context.Background(), snap, recs)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	all := svc.GetAllTasks(nil)
	assert.Len(t, all, 2)
	for _, task := range all {
		assert.Equal(t, types.TaskStatusQueued, task.Status)
		assert.Equal(t, 0, task.Attempts)
	}
}

func TestHarvestAndQueueDedupsIdenticalSnapshot(t *testing.T) {
	svc, _ := setupDelegation(t, Config{})
	snap := testSnapshot(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	recs := []types.Recommendation{{Action: "Refactor latency thresholds", Finding: "p99 regressed"}}

	ids1, err := svc.HarvestAndQueue(context.Background(), snap, recs)
	require.NoError(t, err)
	require.Len(t, ids1, 1)

	ids2, err := svc.HarvestAndQueue(context.Background(), snap, recs)
	require.NoError(t, err)
	assert.Empty(t, ids2)

	assert.Len(t, svc.GetAllTasks(nil), 1)
}

func TestMarkDispatchedOnlyFromQueued(t *testing.T) {
	svc, _ := setupDelegation(t, Config{})
	ids, _ := svc.HarvestAndQueue(context.Background(), testSnapshot(time.Now()), []types.Recommendation{{Action: "a"}})
	id := ids[0]

	assert.True(t, svc.MarkDispatched(id))
	assert.False(t, svc.MarkDispatched(id)) // already dispatched
}

func TestMarkExecutionResultSuccessCompletesTask(t *testing.T) {
	svc, _ := setupDelegation(t, Config{})
	ids, _ := svc.HarvestAndQueue(context.Background(), testSnapshot(time.Now()), []types.Recommendation{{Action: "a"}})
	id := ids[0]
	svc.MarkDispatched(id)

	dur := int64(150)
	ok := svc.MarkExecutionResult(id, true, "", "", &dur)
	assert.True(t, ok)

	task := svc.GetTask(id)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.DurationMs)
	assert.Equal(t, int64(150), *task.DurationMs)
}

func TestMarkExecutionResultIsIdempotentOnTerminal(t *testing.T) {
	svc, _ := setupDelegation(t, Config{})
	ids, _ := svc.HarvestAndQueue(context.Background(), testSnapshot(time.Now()), []types.Recommendation{{Action: "a"}})
	id := ids[0]
	svc.MarkDispatched(id)

	assert.True(t, svc.MarkExecutionResult(id, true, "", "", nil))
	assert.False(t, svc.MarkExecutionResult(id, true, "", "", nil))
	assert.False(t, svc.MarkExecutionResult(id, false, ErrCodeTaskTimeout, "x", nil))
}

func TestMarkExecutionResultFailureRetriesUntilMaxAttempts(t *testing.T) {
	svc, clk := setupDelegation(t, Config{MaxAttempts: 2, BackoffBaseMs: 500, BackoffCapMs: 30000})
	ids, _ := svc.HarvestAndQueue(context.Background(), testSnapshot(time.Now()), []types.Recommendation{{Action: "a"}})
	id := ids[0]

	svc.MarkDispatched(id)
	before := clk.Now()
	ok := svc.MarkExecutionResult(id, false, ErrCodeTaskTimeout, "timed out", nil)
	require.True(t, ok)

	task := svc.GetTask(id)
	assert.Equal(t, types.TaskStatusQueued, task.Status)
	assert.Equal(t, 1, task.Attempts)
	// Backoff lower bound: nextEligibleAt >= previousFailureTime + 0.5*baseMs*2^(attempts-1).
	minDelay := time.Duration(0.5*500) * time.Millisecond
	assert.True(t, !task.NextEligibleAt.Before(before.Add(minDelay)))

	svc.MarkDispatched(id)
	ok = svc.MarkExecutionResult(id, false, ErrCodeTaskTimeout, "timed out again", nil)
	require.True(t, ok)

	task = svc.GetTask(id)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.Equal(t, 2, task.Attempts)
}

func TestNonRetryableCodeFailsImmediately(t *testing.T) {
	svc, _ := setupDelegation(t, Config{MaxAttempts: 5})
	ids, _ := svc.HarvestAndQueue(context.Background(), testSnapshot(time.Now()), []types.Recommendation{{Action: "a"}})
	id := ids[0]
	svc.MarkDispatched(id)

	svc.MarkExecutionResult(id, false, ErrCodeNoAgent, "no candidate agent", nil)
	task := svc.GetTask(id)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.Equal(t, 1, task.Attempts)
}

func TestGetQueuedTasksOrdersByEligibilityThenCreation(t *testing.T) {
	svc, clk := setupDelegation(t, Config{})
	ids1, _ := svc.HarvestAndQueue(context.Background(), testSnapshot(time.Now()), []types.Recommendation{{Action: "first"}})
	clk.Advance(time.Second)
	ids2, _ := svc.HarvestAndQueue(context.Background(), testSnapshot(time.Now()), []types.Recommendation{{Action: "second"}})

	queued := svc.GetQueuedTasks(0)
	require.Len(t, queued, 2)
	assert.Equal(t, ids1[0], queued[0].ID)
	assert.Equal(t, ids2[0], queued[1].ID)
}

func TestGetQueuedTasksExcludesNotYetEligible(t *testing.T) {
	svc, clk := setupDelegation(t, Config{MaxAttempts: 5, BackoffBaseMs: 1000, BackoffCapMs: 30000})
	ids, _ := svc.HarvestAndQueue(context.Background(), testSnapshot(time.Now()), []types.Recommendation{{Action: "a"}})
	id := ids[0]
	svc.MarkDispatched(id)
	svc.MarkExecutionResult(id, false, ErrCodeTaskTimeout, "x", nil)

	// nextEligibleAt is in the future relative to the frozen clock.
	assert.Empty(t, svc.GetQueuedTasks(0))

	clk.Advance(2 * time.Minute)
	assert.Len(t, svc.GetQueuedTasks(0), 1)
}

func TestProcessDueRequeuesReturnsEligibleIDsWithoutMutating(t *testing.T) {
	svc, _ := setupDelegation(t, Config{})
	ids, _ := svc.HarvestAndQueue(context.Background(), testSnapshot(time.Now()), []types.Recommendation{{Action: "a"}})

	due := svc.ProcessDueRequeues(time.Now().Add(time.Hour))
	assert.Equal(t, ids, due)

	task := svc.GetTask(ids[0])
	assert.Equal(t, types.TaskStatusQueued, task.Status)
}

func TestAttemptsNeverExceedsMaxAttempts(t *testing.T) {
	svc, _ := setupDelegation(t, Config{MaxAttempts: 3})
	ids, _ := svc.HarvestAndQueue(context.Background(), testSnapshot(time.Now()), []types.Recommendation{{Action: "a"}})
	id := ids[0]

	for i := 0; i < 5; i++ {
		task := svc.GetTask(id)
		if task.Status.IsTerminal() {
			break
		}
		svc.MarkDispatched(id)
		svc.MarkExecutionResult(id, false, ErrCodeTaskTimeout, "x", nil)
	}

	task := svc.GetTask(id)
	assert.LessOrEqual(t, task.Attempts, task.MaxAttempts)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
}
