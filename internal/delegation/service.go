// Package delegation implements the task delegation service (C5): task
// records, the queued/dispatched/completed/failed state machine,
// exponential backoff with jitter, and harvesting tasks from proactive
// snapshots.
package delegation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/idgen"
	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/internal/memorystore"
	"github.com/opsloop/agentcore/pkg/types"
)

// Config holds the service's tunable parameters.
type Config struct {
	MaxAttempts   int
	BackoffBaseMs int64
	BackoffCapMs  int64
}

// Service owns task records and their state machine.
type Service struct {
	mu     sync.RWMutex
	tasks  map[string]*types.Task
	clock  clock.Clock
	logger *logger.Logger
	memory memorystore.Store
	cfg    Config

	// randFloat returns a value in [0,1); overridable in tests for
	// deterministic backoff assertions.
	randFloat func() float64
}

// New creates a Service.
func New(clk clock.Clock, log *logger.Logger, memory memorystore.Store, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 500
	}
	if cfg.BackoffCapMs <= 0 {
		cfg.BackoffCapMs = 30000
	}
	return &Service{
		tasks:     make(map[string]*types.Task),
		clock:     clk,
		logger:    log,
		memory:    memory,
		cfg:       cfg,
		randFloat: rand.Float64,
	}
}

func snapshotHash(takenAt time.Time) string {
	sum := sha256.Sum256([]byte(takenAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

func normalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}

// HarvestAndQueue derives one task per recommendation and enqueues it,
// skipping any recommendation that duplicates an existing non-terminal
// task for the same snapshot. Returns the ids of newly queued tasks.
func (s *Service) HarvestAndQueue(ctx context.Context, snapshot *types.ProactiveSnapshot, recommendations []types.Recommendation) ([]string, error) {
	if snapshot == nil {
		return nil, nil
	}
	hash := snapshotHash(snapshot.TakenAt)

	s.mu.Lock()
	now := s.clock.Now()
	var created []string
	for _, rec := range recommendations {
		normalized := normalizeAction(rec.Action)
		if s.hasActiveDuplicateLocked(hash, normalized) {
			continue
		}

		task := &types.Task{
			ID:             idgen.New(idgen.CategoryTask),
			Action:         rec.Action,
			Finding:        rec.Finding,
			Status:         types.TaskStatusQueued,
			Attempts:       0,
			MaxAttempts:    s.cfg.MaxAttempts,
			NextEligibleAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
			SnapshotHash:   hash,
		}
		s.tasks[task.ID] = task
		created = append(created, task.ID)
	}
	s.mu.Unlock()

	for _, id := range created {
		s.audit(ctx, "queued", id, hash)
	}
	return created, nil
}

func (s *Service) hasActiveDuplicateLocked(hash, normalizedAction string) bool {
	for _, t := range s.tasks {
		if t.SnapshotHash != hash {
			continue
		}
		if t.Status.IsTerminal() {
			continue
		}
		if normalizeAction(t.Action) == normalizedAction {
			return true
		}
	}
	return false
}

// GetQueuedTasks returns queued tasks eligible to run now, sorted by
// nextEligibleAt ascending then createdAt ascending, capped at limit (0
// means unbounded).
func (s *Service) GetQueuedTasks(limit int) []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	var eligible []*types.Task
	for _, t := range s.tasks {
		if t.Status == types.TaskStatusQueued && !t.NextEligibleAt.After(now) {
			eligible = append(eligible, t.Clone())
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].NextEligibleAt.Equal(eligible[j].NextEligibleAt) {
			return eligible[i].NextEligibleAt.Before(eligible[j].NextEligibleAt)
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible
}

// TaskFilter predicates GetAllTasks results.
type TaskFilter func(*types.Task) bool

// GetAllTasks returns every task record matching filter (nil matches all).
func (s *Service) GetAllTasks(filter TaskFilter) []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter == nil || filter(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetTask returns a single task record, or nil if unknown.
func (s *Service) GetTask(taskID string) *types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	return t.Clone()
}

// MarkDispatched transitions a task from queued to dispatched. Returns
// false without effect if the task is not currently queued.
func (s *Service) MarkDispatched(taskID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != types.TaskStatusQueued {
		s.mu.Unlock()
		return false
	}
	t.Status = types.TaskStatusDispatched
	t.UpdatedAt = s.clock.Now()
	s.mu.Unlock()

	s.audit(context.Background(), "dispatched", taskID, t.SnapshotHash)
	return true
}

// MarkDispatchFailure records a failure encountered while dispatching an
// already-dispatched task (the "send_failed" style path), incrementing
// attempts and either requeueing with backoff or failing the task
// terminally once maxAttempts is reached.
func (s *Service) MarkDispatchFailure(taskID, code, message string) bool {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != types.TaskStatusDispatched {
		s.mu.Unlock()
		return false
	}
	s.retryOrFailLocked(t, code, message)
	status := t.Status
	hash := t.SnapshotHash
	s.mu.Unlock()

	s.audit(context.Background(), string(status), taskID, hash)
	return true
}

// MarkExecutionResult records the terminal outcome of a dispatched
// task's execution attempt. It is idempotent: once a task is terminal,
// subsequent calls are no-ops returning false.
func (s *Service) MarkExecutionResult(taskID string, success bool, code, message string, durationMs *int64) bool {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	if t.Status != types.TaskStatusDispatched {
		s.mu.Unlock()
		return false
	}

	if durationMs != nil {
		t.DurationMs = durationMs
	}

	if success {
		t.Status = types.TaskStatusCompleted
		t.UpdatedAt = s.clock.Now()
	} else {
		s.retryOrFailLocked(t, code, message)
	}
	status := t.Status
	hash := t.SnapshotHash
	s.mu.Unlock()

	s.audit(context.Background(), string(status), taskID, hash)
	return true
}

// retryOrFailLocked applies the shared "attempts++, then requeue with
// backoff or fail terminally" transition. Caller must hold s.mu.
func (s *Service) retryOrFailLocked(t *types.Task, code, message string) {
	now := s.clock.Now()
	t.Attempts++
	t.LastErrorCode = &code
	if message != "" {
		t.LastErrorMessage = &message
	}
	t.UpdatedAt = now

	if !retryableCodes[code] || t.Attempts >= t.MaxAttempts {
		t.Status = types.TaskStatusFailed
		return
	}
	t.Status = types.TaskStatusQueued
	t.NextEligibleAt = now.Add(s.backoff(t.Attempts))
}

// backoff computes exponential backoff with jitter for the n-th attempt:
// min(baseMs*2^(n-1), capMs) * (0.5 + rand*0.5).
func (s *Service) backoff(attempts int) time.Duration {
	exp := float64(s.cfg.BackoffBaseMs) * float64(int64(1)<<uint(attempts-1))
	capped := exp
	if capped > float64(s.cfg.BackoffCapMs) {
		capped = float64(s.cfg.BackoffCapMs)
	}
	jittered := capped * (0.5 + s.randFloat()*0.5)
	return time.Duration(jittered) * time.Millisecond
}

// ProcessDueRequeues scans queued tasks whose nextEligibleAt has passed
// and returns their ids without altering state.
func (s *Service) ProcessDueRequeues(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, t := range s.tasks {
		if t.Status == types.TaskStatusQueued && !t.NextEligibleAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) audit(ctx context.Context, status, taskID, hash string) {
	memorystore.WriteAudit(ctx, s.memory, s.logger,
		fmt.Sprintf("task %s transitioned to %s", taskID, status),
		[]string{"task", status, taskID, hash})
	s.logger.Debug("task transition",
		zap.String("task_id", taskID), zap.String("status", status))
}
