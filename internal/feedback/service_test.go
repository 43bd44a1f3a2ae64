package feedback

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

type fakeTaskLookup struct {
	tasks map[string]*types.Task
}

func (f *fakeTaskLookup) GetTask(taskID string) *types.Task {
	return f.tasks[taskID]
}

func setupFeedback(t *testing.T, tasks map[string]*types.Task) (*Service, *clock.Frozen) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := memorystore.NewInMemory(clk)
	return New(&fakeTaskLookup{tasks: tasks}, mem, clk, log), clk
}

func TestRecordFeedbackRequiresTerminalTask(t *testing.T) {
	svc, _ := setupFeedback(t, map[string]*types.Task{
		"t1": {ID: "t1", Status: types.TaskStatusQueued},
	})

	err := svc.RecordFeedback(context.Background(), "t1", types.FeedbackGood, "")
	assert.Error(t, err)
}

func TestRecordFeedbackRejectsUnknownTask(t *testing.T) {
	svc, _ := setupFeedback(t, map[string]*types.Task{})
	err := svc.RecordFeedback(context.Background(), "missing", types.FeedbackGood, "")
	assert.Error(t, err)
}

func TestRecordAndGetFeedbackRoundTrip(t *testing.T) {
	svc, _ := setupFeedback(t, map[string]*types.Task{
		"t1": {ID: "t1", Status: types.TaskStatusCompleted},
	})

	err := svc.RecordFeedback(context.Background(), "t1", types.FeedbackBad, "wrong file touched")
	require.NoError(t, err)

	record, ok, err := svc.GetFeedback(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.FeedbackBad, record.UserRating)
	assert.Equal(t, "wrong file touched", record.Correction)
}

func TestGetFeedbackMissingReturnsFalse(t *testing.T) {
	svc, _ := setupFeedback(t, map[string]*types.Task{})
	_, ok, err := svc.GetFeedback(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}
