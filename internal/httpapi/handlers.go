// Package httpapi exposes the orchestration core's HTTP surface: a thin
// Gin layer over the registry, bus, delegation, orchestrator, consensus,
// and feedback services. The surface is optional — it is only mounted
// when server.enabled is set.
package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opsloop/agentcore/internal/apperrors"
	"github.com/opsloop/agentcore/internal/bus"
	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/internal/consensus"
	"github.com/opsloop/agentcore/internal/delegation"
	"github.com/opsloop/agentcore/internal/feedback"
	"github.com/opsloop/agentcore/internal/orchestrator"
	"github.com/opsloop/agentcore/internal/registry"
	"github.com/opsloop/agentcore/pkg/types"
)

// Handler bundles the services the HTTP surface dispatches to.
type Handler struct {
	registry   *registry.Registry
	bus        *bus.Service
	delegation *delegation.Service
	orch       *orchestrator.Orchestrator
	consensus  *consensus.Engine
	feedback   *feedback.Service
	logger     *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(reg *registry.Registry, busSvc *bus.Service, delegationSvc *delegation.Service, orch *orchestrator.Orchestrator, consensusEngine *consensus.Engine, feedbackSvc *feedback.Service, log *logger.Logger) *Handler {
	return &Handler{
		registry:   reg,
		bus:        busSvc,
		delegation: delegationSvc,
		orch:       orch,
		consensus:  consensusEngine,
		feedback:   feedbackSvc,
		logger:     log.WithFields(zap.String("component", "httpapi")),
	}
}

// GetHealth reports liveness.
func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterAgent handles POST /agents.
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	rec := &types.AgentRecord{ID: req.ID, Name: req.Name, Capabilities: req.Capabilities}
	if err := h.registry.Register(rec); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// DeregisterAgent handles DELETE /agents/:agentId.
func (h *Handler) DeregisterAgent(c *gin.Context) {
	if err := h.registry.Deregister(c.Param("agentId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.registry.List()})
}

// GetQueuedTasks handles GET /tasks/queued.
func (h *Handler) GetQueuedTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.delegation.GetQueuedTasks(0)})
}

// GetAllTasks handles GET /tasks.
func (h *Handler) GetAllTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.delegation.GetAllTasks(nil)})
}

// GetTask handles GET /tasks/:taskId.
func (h *Handler) GetTask(c *gin.Context) {
	task := h.delegation.GetTask(c.Param("taskId"))
	if task == nil {
		respondError(c, apperrors.NotFound("task", c.Param("taskId")))
		return
	}
	c.JSON(http.StatusOK, task)
}

// HarvestSnapshot handles POST /snapshots/harvest.
func (h *Handler) HarvestSnapshot(c *gin.Context) {
	var req HarvestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	ids, err := h.delegation.HarvestAndQueue(c.Request.Context(), &req.Snapshot, req.Recommendations)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": ids})
}

// ExecutePlan handles POST /plans/execute.
func (h *Handler) ExecutePlan(c *gin.Context) {
	var req ExecutePlanRequest
	_ = c.ShouldBindJSON(&req)
	result := h.orch.ExecutePlan(c.Request.Context(), orchestrator.ExecutePlanParams{SessionID: req.SessionID, Limit: req.Limit})
	c.JSON(http.StatusOK, result)
}

// GetMetricsSnapshot handles GET /plans/metrics.
func (h *Handler) GetMetricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.GetLatestMetricsSnapshot())
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	sess, err := h.bus.CreateSession(types.CreateSessionParams{
		Participants:     req.Participants,
		Mode:             req.Mode,
		Topic:            req.Topic,
		ConsensusEnabled: req.ConsensusEnabled,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// SendMessage handles POST /sessions/:sessionId/messages.
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	msg, err := h.bus.SendMessage(c.Request.Context(), types.SendMessageParams{
		SessionID:   c.Param("sessionId"),
		FromAgent:   req.FromAgent,
		ToAgent:     req.ToAgent,
		Content:     req.Content,
		MessageType: req.MessageType,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// GetMessageHistory handles GET /sessions/:sessionId/messages.
func (h *Handler) GetMessageHistory(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			limit = n
		}
	}
	history, err := h.bus.GetMessageHistory(c.Param("sessionId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": history})
}

// ResolveConsensus handles POST /consensus/resolve.
func (h *Handler) ResolveConsensus(c *gin.Context) {
	var req ResolveConsensusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	result := h.consensus.Resolve(req.Proposal, req.Viewpoints)
	c.JSON(http.StatusOK, result)
}

// RecordFeedback handles POST /feedback.
func (h *Handler) RecordFeedback(c *gin.Context) {
	var req RecordFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	if err := h.feedback.RecordFeedback(c.Request.Context(), req.TaskID, req.UserRating, req.Correction); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// GetFeedback handles GET /feedback/:taskId.
func (h *Handler) GetFeedback(c *gin.Context) {
	record, found, err := h.feedback.GetFeedback(context.Background(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		respondError(c, apperrors.NotFound("feedback", c.Param("taskId")))
		return
	}
	c.JSON(http.StatusOK, record)
}
