package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busservice "github.com/opsloop/agentcore/internal/bus"
	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/internal/delegation"
	eventbus "github.com/opsloop/agentcore/internal/events/bus"
	"github.com/opsloop/agentcore/internal/memorystore"
	"github.com/opsloop/agentcore/internal/registry"
	"github.com/opsloop/agentcore/pkg/types"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type harness struct {
	orch       *Orchestrator
	delegation *delegation.Service
	registry   *registry.Registry
	bus        *busservice.Service
	clock      *clock.Frozen
}

func setup(t *testing.T, cfg Config) *harness {
	log := testLogger(t)
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	transport := eventbus.NewMemoryEventBus(log)
	busSvc := busservice.New(transport, clk, log, 100)
	mem := memorystore.NewInMemory(clk)
	delegationSvc := delegation.New(clk, log, mem, delegation.Config{MaxAttempts: 3, BackoffBaseMs: 10, BackoffCapMs: 100})
	reg := registry.New(clk, log)

	orch := New(reg, busSvc, delegationSvc, clk, log, nil, cfg)
	return &harness{orch: orch, delegation: delegationSvc, registry: reg, bus: busSvc, clock: clk}
}

func queueOneTask(t *testing.T, h *harness, action, finding string) string {
	snap := &types.ProactiveSnapshot{TakenAt: h.clock.Now()}
	ids, err := h.delegation.HarvestAndQueue(context.Background(), snap, []types.Recommendation{{Action: action, Finding: finding}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func TestExecutePlanEmptyQueueReturnsEmptyResult(t *testing.T) {
	h := setup(t, Config{})
	result := h.orch.ExecutePlan(context.Background(), ExecutePlanParams{SessionID: "s1"})
	assert.Empty(t, result.Dispatched)
	assert.Empty(t, result.Completed)
	assert.Empty(t, result.Failed)
}

func TestExecutePlanAllAgentsUnknownFailsEveryTaskWithNoAgent(t *testing.T) {
	h := setup(t, Config{TaskExecutionTimeout: 50 * time.Millisecond})
	sess, err := h.bus.CreateSession(types.CreateSessionParams{Participants: []string{"orchestrator"}})
	require.NoError(t, err)

	id := queueOneTask(t, h, "Refactor the login handler", "latency regressed")

	result := h.orch.ExecutePlan(context.Background(), ExecutePlanParams{SessionID: sess.ID})
	assert.Empty(t, result.Dispatched)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, id, result.Failed[0].TaskID)
	assert.Equal(t, delegation.ErrCodeNoAgent, result.Failed[0].Error)

	history, err := h.bus.GetMessageHistory(sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestExecutePlanHappyPathCompletesTask(t *testing.T) {
	h := setup(t, Config{
		TaskExecutionTimeout:   500 * time.Millisecond,
		SimulateAgentExecution: true,
		SimulatedAgentDelay:    5 * time.Millisecond,
	})
	sess, err := h.bus.CreateSession(types.CreateSessionParams{Participants: []string{"orchestrator", "dev-agent"}})
	require.NoError(t, err)

	require.NoError(t, h.registry.Register(&types.AgentRecord{
		ID:           "dev-agent",
		Name:         "dev-agent",
		Capabilities: []string{"development"},
	}))

	id := queueOneTask(t, h, "Refactor the login handler", "latency regressed")

	result := h.orch.ExecutePlan(context.Background(), ExecutePlanParams{SessionID: sess.ID})
	assert.Equal(t, []string{id}, result.Dispatched)
	assert.Equal(t, []string{id}, result.Completed)
	assert.Empty(t, result.Failed)

	task := h.delegation.GetTask(id)
	require.NotNil(t, task)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)

	history, err := h.bus.GetMessageHistory(sess.ID, 0)
	require.NoError(t, err)
	var sawProgress bool
	for _, msg := range history {
		if msg.MessageType == types.MessageTypeNotification {
			sawProgress = true
			var payload map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(msg.Content), &payload))
			assert.Equal(t, "mission_progress", payload["type"])
		}
	}
	assert.True(t, sawProgress, "expected a mission_progress notification in session history")
}

func TestExecutePlanTimeoutFailsTaskWithTaskTimeout(t *testing.T) {
	h := setup(t, Config{TaskExecutionTimeout: 20 * time.Millisecond})
	sess, err := h.bus.CreateSession(types.CreateSessionParams{Participants: []string{"orchestrator", "dev-agent"}})
	require.NoError(t, err)

	require.NoError(t, h.registry.Register(&types.AgentRecord{
		ID:           "dev-agent",
		Name:         "dev-agent",
		Capabilities: []string{"development"},
	}))

	id := queueOneTask(t, h, "Refactor the login handler", "latency regressed")

	result := h.orch.ExecutePlan(context.Background(), ExecutePlanParams{SessionID: sess.ID})
	assert.Equal(t, []string{id}, result.Dispatched)
	assert.Empty(t, result.Completed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, delegation.ErrCodeTaskTimeout, result.Failed[0].Error)

	history, err := h.bus.GetMessageHistory(sess.ID, 0)
	require.NoError(t, err)
	var sawProgress bool
	for _, msg := range history {
		if msg.MessageType == types.MessageTypeNotification {
			sawProgress = true
		}
	}
	assert.True(t, sawProgress, "expected a mission_progress notification after the timeout")
}

func TestExecutePlanZeroTimeoutFailsEveryTask(t *testing.T) {
	h := setup(t, Config{TaskExecutionTimeout: time.Nanosecond})
	sess, err := h.bus.CreateSession(types.CreateSessionParams{Participants: []string{"orchestrator", "dev-agent"}})
	require.NoError(t, err)
	require.NoError(t, h.registry.Register(&types.AgentRecord{
		ID:           "dev-agent",
		Name:         "dev-agent",
		Capabilities: []string{"development"},
	}))

	id := queueOneTask(t, h, "Refactor the login handler", "latency regressed")

	result := h.orch.ExecutePlan(context.Background(), ExecutePlanParams{SessionID: sess.ID})
	require.Len(t, result.Failed, 1)
	assert.Equal(t, id, result.Failed[0].TaskID)
	assert.Empty(t, result.Completed)
}

func TestDependenciesSatisfiedBlocksOnUnmetOrFailedDependency(t *testing.T) {
	h := setup(t, Config{})

	depID := queueOneTask(t, h, "Root cause the outage", "service down")

	unmet := &types.Task{ID: "t-unmet", DependsOn: []string{depID}}
	assert.False(t, h.orch.dependenciesSatisfied(unmet, &types.ExecutePlanResult{}))

	require.True(t, h.delegation.MarkDispatched(depID))
	require.True(t, h.delegation.MarkExecutionResult(depID, false, delegation.ErrCodeAgentReportFailure, "boom", nil))
	require.True(t, h.delegation.MarkDispatched(depID))
	require.True(t, h.delegation.MarkExecutionResult(depID, false, delegation.ErrCodeAgentReportFailure, "boom", nil))
	require.True(t, h.delegation.MarkDispatched(depID))
	require.True(t, h.delegation.MarkExecutionResult(depID, false, delegation.ErrCodeAgentReportFailure, "boom", nil))
	failedDep := h.delegation.GetTask(depID)
	require.Equal(t, types.TaskStatusFailed, failedDep.Status)

	blocked := &types.Task{ID: "t-blocked", DependsOn: []string{depID}}
	assert.False(t, h.orch.dependenciesSatisfied(blocked, &types.ExecutePlanResult{}))
}

func TestExtractTaskOutcomeStrictJSON(t *testing.T) {
	payload, err := json.Marshal(types.AgentExecutionResult{TaskID: "task_1", AgentID: "a1", Status: "completed"})
	require.NoError(t, err)

	taskID, success, terminal := extractTaskOutcome(string(payload))
	assert.True(t, terminal)
	assert.True(t, success)
	assert.Equal(t, "task_1", taskID)
}

func TestExtractTaskOutcomeFreeTextFallback(t *testing.T) {
	taskID, success, terminal := extractTaskOutcome("working on it... TASK_ID: task_2 TASK_COMPLETE")
	assert.True(t, terminal)
	assert.True(t, success)
	assert.Equal(t, "task_2", taskID)

	taskID, success, terminal = extractTaskOutcome("TASK_ID: task_3 TASK_FAILED could not reach service")
	assert.True(t, terminal)
	assert.False(t, success)
	assert.Equal(t, "task_3", taskID)
}

func TestExtractTaskOutcomeIgnoresNonTerminalChatter(t *testing.T) {
	taskID, _, terminal := extractTaskOutcome("still working, no markers here")
	assert.False(t, terminal)
	assert.Empty(t, taskID)
}
