// Package feedback implements the feedback service (C9): persisting a
// user's post-hoc verdict on a completed task, closing the loop that
// the proactive observer (C8) and task delegation (C5) feed into.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opsloop/agentcore/internal/apperrors"
	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/internal/memorystore"
	"github.com/opsloop/agentcore/pkg/types"
)

// TaskLookup is the narrow slice of the delegation service's surface
// feedback needs: confirming a task has reached a terminal status.
type TaskLookup interface {
	GetTask(taskID string) *types.Task
}

// Service implements the feedback service.
type Service struct {
	tasks  TaskLookup
	memory memorystore.Store
	clock  clock.Clock
	logger *logger.Logger
}

// New creates a feedback Service.
func New(tasks TaskLookup, memory memorystore.Store, clk clock.Clock, log *logger.Logger) *Service {
	return &Service{tasks: tasks, memory: memory, clock: clk, logger: log}
}

// RecordFeedback validates that the task is terminal, then persists the
// rating via the memory store.
func (s *Service) RecordFeedback(ctx context.Context, taskID string, rating types.FeedbackRating, correction string) error {
	task := s.tasks.GetTask(taskID)
	if task == nil {
		return apperrors.NotFound("task", taskID)
	}
	if !task.Status.IsTerminal() {
		return apperrors.BadRequest(fmt.Sprintf("task %s has not reached a terminal status", taskID))
	}

	record := types.FeedbackRecord{
		TaskID:     taskID,
		UserRating: rating,
		Correction: correction,
		Timestamp:  s.clock.Now(),
	}

	content, err := json.Marshal(record)
	if err != nil {
		return apperrors.InternalError("failed to encode feedback record", err)
	}

	memorystore.WriteAudit(ctx, s.memory, s.logger, string(content),
		[]string{"feedback", string(rating), taskID})
	return nil
}

// GetFeedback retrieves the most recent feedback record for a task, if any.
func (s *Service) GetFeedback(ctx context.Context, taskID string) (*types.FeedbackRecord, bool, error) {
	results, err := s.memory.Search(ctx, memorystore.SearchParams{
		Tags:  []string{"feedback", taskID},
		Limit: 1,
	})
	if err != nil {
		return nil, false, apperrors.InternalError("feedback lookup failed", err)
	}
	if len(results) == 0 {
		return nil, false, nil
	}

	var record types.FeedbackRecord
	if err := json.Unmarshal([]byte(results[0].Content), &record); err != nil {
		return nil, false, apperrors.InternalError("failed to decode feedback record", err)
	}
	return &record, true, nil
}
