// Package orchestrator implements the hybrid orchestrator (C6): the
// dispatch-wave execution loop that pulls queued tasks from the
// delegation service, matches them to agents via the registry, sends
// instructions over the communication bus, and resolves their outcome
// from the bus's message stream or a per-task timeout.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/opsloop/agentcore/internal/bus"
	"github.com/opsloop/agentcore/internal/capability"
	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/internal/delegation"
	eventbus "github.com/opsloop/agentcore/internal/events/bus"
	"github.com/opsloop/agentcore/internal/metrics"
	"github.com/opsloop/agentcore/internal/registry"
	"github.com/opsloop/agentcore/pkg/types"
)

// Config tunes the orchestrator's execution parameters.
type Config struct {
	TaskExecutionTimeout       time.Duration
	RequeueSchedulerInterval   time.Duration
	SimulateAgentExecution     bool
	SimulatedAgentDelay        time.Duration
	MetricsWindowSize          int
	DefaultSessionID           string
}

// ExecutePlanParams configures a single executePlan call.
type ExecutePlanParams struct {
	SessionID string
	Limit     int
}

type completionSignal struct {
	success bool
	code    string
	message string
}

// Orchestrator coordinates task dispatch across the registry, bus, and
// delegation service.
type Orchestrator struct {
	registry   *registry.Registry
	bus        *bus.Service
	delegation *delegation.Service
	window     *metrics.Window
	clock      clock.Clock
	logger     *logger.Logger
	cfg        Config

	subscribeOnce sync.Once
	subscription  eventbus.Subscription

	pendingMu     sync.Mutex
	pending       map[string]chan completionSignal
	dispatchStart map[string]time.Time

	requeueCancel context.CancelFunc
	requeueWG     sync.WaitGroup

	dispatchedTotal *prometheus.CounterVec
	completedTotal  *prometheus.CounterVec
	failedTotal     *prometheus.CounterVec
}

// New creates an Orchestrator. promRegistry may be nil, in which case
// dispatch/completion counters are not exported.
func New(reg *registry.Registry, busSvc *bus.Service, delegationSvc *delegation.Service, clk clock.Clock, log *logger.Logger, promRegistry *metrics.Registry, cfg Config) *Orchestrator {
	if cfg.TaskExecutionTimeout <= 0 {
		cfg.TaskExecutionTimeout = 4000 * time.Millisecond
	}
	if cfg.MetricsWindowSize <= 0 {
		cfg.MetricsWindowSize = 1000
	}
	if cfg.DefaultSessionID == "" {
		cfg.DefaultSessionID = "default"
	}

	o := &Orchestrator{
		registry:      reg,
		bus:           busSvc,
		delegation:    delegationSvc,
		window:        metrics.NewWindow(cfg.MetricsWindowSize),
		clock:         clk,
		logger:        log,
		cfg:           cfg,
		pending:       make(map[string]chan completionSignal),
		dispatchStart: make(map[string]time.Time),
	}
	if promRegistry != nil {
		o.dispatchedTotal = promRegistry.Counter("tasks_dispatched_total", "tasks handed to an agent")
		o.completedTotal = promRegistry.Counter("tasks_completed_total", "tasks that reported success")
		o.failedTotal = promRegistry.Counter("tasks_failed_total", "tasks that reached a terminal failure", "error_code")
	}
	return o
}

func (o *Orchestrator) recordDispatched() {
	if o.dispatchedTotal != nil {
		o.dispatchedTotal.WithLabelValues().Inc()
	}
}

func (o *Orchestrator) recordCompleted() {
	if o.completedTotal != nil {
		o.completedTotal.WithLabelValues().Inc()
	}
}

func (o *Orchestrator) recordFailed(code string) {
	if o.failedTotal != nil {
		o.failedTotal.WithLabelValues(code).Inc()
	}
}

// ensureSubscribed idempotently attaches the orchestrator's listener to
// the bus's message_sent stream.
func (o *Orchestrator) ensureSubscribed() {
	o.subscribeOnce.Do(func() {
		sub, err := o.bus.OnMessageSent(o.handleMessage)
		if err != nil {
			o.logger.Error("failed to subscribe to message_sent", zap.Error(err))
			return
		}
		o.subscription = sub
	})
}

// ExecutePlan runs one dispatch-wave loop: it repeatedly dispatches
// eligible queued tasks until no further progress is possible, then
// awaits every pending completion before returning the disjoint result
// lists. It never returns an error in normal operation; per-task
// failures are captured into the result.
func (o *Orchestrator) ExecutePlan(ctx context.Context, params ExecutePlanParams) *types.ExecutePlanResult {
	o.ensureSubscribed()

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = o.cfg.DefaultSessionID
	}

	result := &types.ExecutePlanResult{}

	queued := o.delegation.GetQueuedTasks(params.Limit)
	if len(queued) == 0 {
		return result
	}

	progressed := make(map[string]bool, len(queued))
	var dispatchedIDs []string

	for {
		due := o.delegation.ProcessDueRequeues(o.clock.Now())
		if len(due) > 0 {
			o.logger.Debug("requeued tasks due for retry", zap.Strings("task_ids", due))
		}

		madeProgress := false
		for _, task := range queued {
			if progressed[task.ID] {
				continue
			}
			progressed[task.ID] = true
			madeProgress = true

			if !o.dependenciesSatisfied(task, result) {
				waiting := true
				for _, depID := range task.DependsOn {
					if dep := o.delegation.GetTask(depID); dep == nil || dep.Status == types.TaskStatusFailed {
						waiting = false
					}
				}
				if waiting {
					// Unfinished dependencies leave the task queued for a later call.
					continue
				}
				o.failWithoutDispatch(task.ID, delegation.ErrCodeDependencyFailed, "unmet dependency")
				result.Failed = append(result.Failed, types.TaskFailure{TaskID: task.ID, Error: delegation.ErrCodeDependencyFailed})
				continue
			}

			if ok := o.dispatchTask(ctx, sessionID, task); ok {
				dispatchedIDs = append(dispatchedIDs, task.ID)
			} else {
				if terminal := o.delegation.GetTask(task.ID); terminal != nil && terminal.Status == types.TaskStatusFailed {
					code := ""
					if terminal.LastErrorCode != nil {
						code = *terminal.LastErrorCode
					}
					result.Failed = append(result.Failed, types.TaskFailure{TaskID: task.ID, Error: code})
				}
			}
		}

		if !madeProgress {
			break
		}
	}

	result.Dispatched = dispatchedIDs
	o.awaitPending(ctx, sessionID, dispatchedIDs, result)

	return result
}

// dispatchTask runs the single-task dispatch sequence: mark dispatched,
// classify capability, pick an agent, send the instruction, and arm a
// pending-completion channel with a per-task timeout. Returns false if
// the task was not handed to an agent (it was not queued, no agent
// matched, or the send failed; the failure is already recorded).
func (o *Orchestrator) dispatchTask(ctx context.Context, sessionID string, task *types.Task) bool {
	if !o.delegation.MarkDispatched(task.ID) {
		return false
	}

	o.pendingMu.Lock()
	o.dispatchStart[task.ID] = o.clock.Now()
	ch := make(chan completionSignal, 1)
	o.pending[task.ID] = ch
	o.pendingMu.Unlock()

	requiredCapability := capability.Classify(task.Action)
	candidates := o.registry.Discover([]string{requiredCapability})
	if len(candidates) == 0 {
		o.resolveNoListener(task.ID, delegation.ErrCodeNoAgent, "no agent advertises capability "+requiredCapability)
		return false
	}
	agent := selectCandidate(candidates)

	instruction := buildInstruction(task, agent.ID)
	toAgent := agent.ID
	_, err := o.bus.SendMessage(ctx, types.SendMessageParams{
		SessionID:   sessionID,
		FromAgent:   "orchestrator",
		ToAgent:     &toAgent,
		Content:     instruction,
		MessageType: types.MessageTypeAction,
		Metadata:    map[string]interface{}{"task_id": task.ID},
	})
	if err != nil {
		o.resolveNoListener(task.ID, delegation.ErrCodeSendFailed, err.Error())
		return false
	}

	o.recordDispatched()
	o.logger.WithTaskID(task.ID).WithAgentID(agent.ID).Info("dispatched task to agent")

	if o.cfg.SimulateAgentExecution {
		go o.simulateAgentReply(ctx, sessionID, task.ID, agent.ID)
	}

	go o.awaitTaskTimeout(ctx, sessionID, task.ID)
	return true
}

// failWithoutDispatch fails a still-queued task terminally without ever
// sending a bus message, used for the dependency_failed path where
// dispatch must never be attempted. dependency_failed is not a
// retryable code, so the transition always lands on failed regardless
// of remaining attempts.
func (o *Orchestrator) failWithoutDispatch(taskID, code, message string) {
	if !o.delegation.MarkDispatched(taskID) {
		return
	}
	o.delegation.MarkExecutionResult(taskID, false, code, message, nil)
	o.recordFailed(code)
}

// resolveNoListener records a dispatch-stage failure for a task that
// never reached the "awaiting a bus reply" stage, so nothing is
// listening on its pending channel yet. No bus message is sent for
// this failure, matching the "all agents unknown: no messages sent"
// boundary rule.
func (o *Orchestrator) resolveNoListener(taskID, code, message string) {
	o.delegation.MarkExecutionResult(taskID, false, code, message, nil)
	o.recordFailed(code)
	o.pendingMu.Lock()
	delete(o.pending, taskID)
	delete(o.dispatchStart, taskID)
	o.pendingMu.Unlock()
}

// selectCandidate picks the dispatch target from Discover's results.
// Registry.Discover never filters on health, so the orchestrator prefers
// the first healthy candidate in the deterministic ordering and only
// falls back to an unhealthy one when no healthy candidate is available.
func selectCandidate(candidates []*types.AgentRecord) *types.AgentRecord {
	for _, c := range candidates {
		if c.Healthy {
			return c
		}
	}
	return candidates[0]
}

func buildInstruction(task *types.Task, agentID string) string {
	return fmt.Sprintf("ACTION: %s\nSOURCE_FINDING: %s\nTASK_ID: %s", task.Action, task.Finding, task.ID)
}

// awaitTaskTimeout is the single writer responsible for a task's
// completion signal on timeout; the bus listener is the other possible
// writer, and exactly one of the two ever succeeds because both claim
// the task by removing its entry from the pending map under pendingMu.
// The outcome is recorded before the claim is released and the signal
// is sent only when this function returns, so awaitPending always
// re-reads the recorded status.
func (o *Orchestrator) awaitTaskTimeout(ctx context.Context, sessionID, taskID string) {
	timer := time.NewTimer(o.cfg.TaskExecutionTimeout)
	defer timer.Stop()
	<-timer.C

	o.pendingMu.Lock()
	ch, ok := o.pending[taskID]
	dispatchStart, hasStart := o.dispatchStart[taskID]
	if !ok {
		o.pendingMu.Unlock()
		return
	}
	delete(o.pending, taskID)
	delete(o.dispatchStart, taskID)

	var durationMs int64
	if hasStart {
		durationMs = o.clock.Now().Sub(dispatchStart).Milliseconds()
	}

	signal := completionSignal{success: false, code: delegation.ErrCodeTaskTimeout, message: "execution timed out"}
	defer func() {
		select {
		case ch <- signal:
		default:
		}
	}()

	o.delegation.MarkExecutionResult(taskID, false, signal.code, signal.message, &durationMs)
	o.pendingMu.Unlock()
	o.window.Record(float64(durationMs))
	o.recordTerminalOutcome(taskID, signal.code)
	o.logger.WithTaskID(taskID).WithSessionID(sessionID).Warn("task execution timed out")
	o.broadcastMissionProgress(ctx, sessionID)
}

var taskIDFreeTextPattern = regexp.MustCompile(`TASK_ID:\s*(\S+)`)

// handleMessage is the bus listener. It never lets a parse or lookup
// error escape — exceptions here are caught and logged, matching the
// contract's "listener exceptions never propagate" rule.
func (o *Orchestrator) handleMessage(ctx context.Context, msg *types.Message) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in message_sent listener", zap.Any("recovered", r))
		}
	}()

	taskID, success, terminal := extractTaskOutcome(msg.Content)
	if taskID == "" || !terminal {
		return
	}

	o.pendingMu.Lock()
	ch, ok := o.pending[taskID]
	dispatchStart, hasStart := o.dispatchStart[taskID]
	if !ok {
		o.pendingMu.Unlock()
		return
	}
	delete(o.pending, taskID)
	delete(o.dispatchStart, taskID)

	var durationMs int64
	if hasStart {
		durationMs = o.clock.Now().Sub(dispatchStart).Milliseconds()
	}

	signal := completionSignal{success: success}
	if !success {
		signal.code = delegation.ErrCodeAgentReportFailure
		signal.message = "agent reported failure"
	}

	// As in awaitTaskTimeout: record under the claim, signal on return.
	defer func() {
		select {
		case ch <- signal:
		default:
		}
	}()

	o.delegation.MarkExecutionResult(taskID, success, signal.code, signal.message, &durationMs)
	o.pendingMu.Unlock()
	o.window.Record(float64(durationMs))
	o.recordTerminalOutcome(taskID, signal.code)
	o.broadcastMetricsSnapshot(ctx)
	o.broadcastMissionProgress(ctx, msg.SessionID)
}

// recordTerminalOutcome inspects the task's post-transition status to
// decide which Prometheus counter to bump; a retryable failure that was
// requeued is not yet terminal and is not counted here.
func (o *Orchestrator) recordTerminalOutcome(taskID, code string) {
	task := o.delegation.GetTask(taskID)
	if task == nil {
		return
	}
	switch task.Status {
	case types.TaskStatusCompleted:
		o.recordCompleted()
	case types.TaskStatusFailed:
		o.recordFailed(code)
	}
}

// extractTaskOutcome parses either a strict AgentExecutionResult JSON
// payload or the deprecated free-text TASK_ID/TASK_COMPLETE fallback.
func extractTaskOutcome(content string) (taskID string, success bool, terminal bool) {
	var wire types.AgentExecutionResult
	if err := json.Unmarshal([]byte(content), &wire); err == nil && wire.Valid() {
		return wire.TaskID, wire.Status == "completed", true
	}

	match := taskIDFreeTextPattern.FindStringSubmatch(content)
	if match == nil {
		return "", false, false
	}
	taskID = match[1]

	switch {
	case strings.Contains(content, "TASK_COMPLETE"):
		return taskID, true, true
	case strings.Contains(content, "TASK_FAILED"):
		return taskID, false, true
	default:
		return "", false, false
	}
}

// simulateAgentReply synthesizes a completion reply locally after a
// configurable delay, for testing without a real agent attached.
func (o *Orchestrator) simulateAgentReply(ctx context.Context, sessionID, taskID, agentID string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.cfg.SimulatedAgentDelay):
	}

	result := types.AgentExecutionResult{
		TaskID:    taskID,
		Status:    "completed",
		AgentID:   agentID,
		Timestamp: o.clock.Now(),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}

	_, _ = o.bus.SendMessage(ctx, types.SendMessageParams{
		SessionID:   sessionID,
		FromAgent:   agentID,
		Content:     string(payload),
		MessageType: types.MessageTypeResponse,
	})
}

// dependenciesSatisfied reports whether task's dependsOn entries are all
// terminal-successful. A failed dependency fails the dependent task
// without ever being dispatched.
func (o *Orchestrator) dependenciesSatisfied(task *types.Task, result *types.ExecutePlanResult) bool {
	for _, depID := range task.DependsOn {
		dep := o.delegation.GetTask(depID)
		if dep == nil || dep.Status != types.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// awaitPending blocks until every dispatched task's pending channel has
// resolved, rejected, or the context is cancelled, then re-reads task
// records to populate the final completed/failed lists. On return the
// pending map holds no entries for any task in dispatchedIDs.
func (o *Orchestrator) awaitPending(ctx context.Context, sessionID string, dispatchedIDs []string, result *types.ExecutePlanResult) {
	var wg sync.WaitGroup
	for _, id := range dispatchedIDs {
		o.pendingMu.Lock()
		ch, ok := o.pending[id]
		o.pendingMu.Unlock()
		if !ok {
			continue
		}

		wg.Add(1)
		go func(taskID string, ch chan completionSignal) {
			defer wg.Done()
			select {
			case <-ch:
			case <-ctx.Done():
				o.cancelPending(context.Background(), sessionID, taskID)
			}
		}(id, ch)
	}
	wg.Wait()

	for _, id := range dispatchedIDs {
		task := o.delegation.GetTask(id)
		if task == nil {
			continue
		}
		switch task.Status {
		case types.TaskStatusCompleted:
			result.Completed = append(result.Completed, id)
		case types.TaskStatusFailed:
			code := ""
			if task.LastErrorCode != nil {
				code = *task.LastErrorCode
			}
			result.Failed = append(result.Failed, types.TaskFailure{TaskID: id, Error: code})
		case types.TaskStatusQueued:
			// A retryable failure requeued the task; this attempt still failed.
			if task.LastErrorCode != nil {
				result.Failed = append(result.Failed, types.TaskFailure{TaskID: id, Error: *task.LastErrorCode})
			}
		}
	}
}

func (o *Orchestrator) cancelPending(ctx context.Context, sessionID, taskID string) {
	o.pendingMu.Lock()
	delete(o.pending, taskID)
	delete(o.dispatchStart, taskID)
	o.pendingMu.Unlock()
	o.delegation.MarkExecutionResult(taskID, false, delegation.ErrCodeCancelled, "plan cancelled", nil)
	o.recordFailed(delegation.ErrCodeCancelled)
	o.logger.WithTaskID(taskID).WithSessionID(sessionID).Info("cancelled pending task")
	o.broadcastMissionProgress(ctx, sessionID)
}

// GetLatestMetricsSnapshot returns the orchestrator's rolling-window
// latency snapshot.
func (o *Orchestrator) GetLatestMetricsSnapshot() metrics.Snapshot {
	return o.window.Snapshot()
}

// metricsSessionID is the dedicated session the operation-metrics
// snapshot broadcast is published on.
const metricsSessionID = "metrics"

func (o *Orchestrator) broadcastMetricsSnapshot(ctx context.Context) {
	snapshot := o.window.Snapshot()
	payload := map[string]interface{}{
		"type":      "operation_metrics_snapshot",
		"operation": "TaskDelegation.execute",
		"snapshot": map[string]interface{}{
			"avg":     snapshot.Avg,
			"p95":     snapshot.P95,
			"p99":     snapshot.P99,
			"samples": snapshot.Samples,
		},
		"timestamp": o.clock.Now(),
	}
	content, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("failed to encode metrics snapshot", zap.Error(err))
		return
	}

	if _, err := o.bus.EnsureSession(metricsSessionID, types.CreateSessionParams{
		Participants: []string{"orchestrator"},
		Mode:         types.SessionModeBroadcast,
		Topic:        "operation metrics",
	}); err != nil {
		o.logger.Warn("failed to ensure metrics session", zap.Error(err))
		return
	}

	_, err = o.bus.SendMessage(ctx, types.SendMessageParams{
		SessionID:   metricsSessionID,
		FromAgent:   "orchestrator",
		Content:     string(content),
		MessageType: types.MessageTypeUpdate,
	})
	if err != nil {
		o.logger.Warn("failed to broadcast metrics snapshot", zap.Error(err))
	}
}

// broadcastMissionProgress publishes a mission_progress update on the
// plan's own session after each terminal task transition, giving
// participants a running tally of how the plan is progressing.
func (o *Orchestrator) broadcastMissionProgress(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}

	tasks := o.delegation.GetAllTasks(nil)
	counts := make(map[string]int, 4)
	for _, t := range tasks {
		counts[string(t.Status)]++
	}

	payload := map[string]interface{}{
		"type":   "mission_progress",
		"counts": counts,
		"total":  len(tasks),
	}
	content, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("failed to encode mission progress", zap.Error(err))
		return
	}

	_, err = o.bus.SendMessage(ctx, types.SendMessageParams{
		SessionID:   sessionID,
		FromAgent:   "orchestrator",
		Content:     string(content),
		MessageType: types.MessageTypeNotification,
	})
	if err != nil {
		o.logger.Warn("failed to broadcast mission progress", zap.Error(err))
	}
}

// StartRequeueScheduler begins a background ticker that periodically
// scans for due requeues and logs them. A zero or sub-1s interval
// disables it.
func (o *Orchestrator) StartRequeueScheduler(ctx context.Context) {
	if o.cfg.RequeueSchedulerInterval < time.Second {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.requeueCancel = cancel

	o.requeueWG.Add(1)
	go func() {
		defer o.requeueWG.Done()
		ticker := time.NewTicker(o.cfg.RequeueSchedulerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				due := o.delegation.ProcessDueRequeues(o.clock.Now())
				if len(due) > 0 {
					o.logger.Info("background requeue scan", zap.Strings("task_ids", due))
				}
			}
		}
	}()
}

// StopRequeueScheduler stops the background ticker started by
// StartRequeueScheduler. Idempotent; safe to call even if never started.
func (o *Orchestrator) StopRequeueScheduler() {
	if o.requeueCancel != nil {
		o.requeueCancel()
	}
	o.requeueWG.Wait()
}
