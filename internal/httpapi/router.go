package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/opsloop/agentcore/internal/bus"
	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/internal/consensus"
	"github.com/opsloop/agentcore/internal/delegation"
	"github.com/opsloop/agentcore/internal/feedback"
	"github.com/opsloop/agentcore/internal/metrics"
	"github.com/opsloop/agentcore/internal/orchestrator"
	"github.com/opsloop/agentcore/internal/registry"
)

// NewRouter builds the fully-wired Gin engine for the orchestration
// core's HTTP surface.
func NewRouter(reg *registry.Registry, busSvc *bus.Service, delegationSvc *delegation.Service, orch *orchestrator.Orchestrator, consensusEngine *consensus.Engine, feedbackSvc *feedback.Service, metricsRegistry *metrics.Registry, log *logger.Logger) *gin.Engine {
	handler := NewHandler(reg, busSvc, delegationSvc, orch, consensusEngine, feedbackSvc, log)

	router := gin.New()
	router.Use(RequestLogger(log))
	router.Use(Recovery(log))
	router.Use(CORS())

	router.GET("/health", handler.GetHealth)
	router.GET("/metrics", gin.WrapH(metricsRegistry.Handler()))

	v1 := router.Group("/api/v1")

	agents := v1.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.POST("", handler.RegisterAgent)
		agents.DELETE("/:agentId", handler.DeregisterAgent)
	}

	tasks := v1.Group("/tasks")
	{
		tasks.GET("", handler.GetAllTasks)
		tasks.GET("/queued", handler.GetQueuedTasks)
		tasks.GET("/:taskId", handler.GetTask)
	}

	v1.POST("/snapshots/harvest", handler.HarvestSnapshot)

	plans := v1.Group("/plans")
	{
		plans.POST("/execute", handler.ExecutePlan)
		plans.GET("/metrics", handler.GetMetricsSnapshot)
	}

	sessions := v1.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.POST("/:sessionId/messages", handler.SendMessage)
		sessions.GET("/:sessionId/messages", handler.GetMessageHistory)
	}

	v1.POST("/consensus/resolve", handler.ResolveConsensus)

	feedbackGroup := v1.Group("/feedback")
	{
		feedbackGroup.POST("", handler.RecordFeedback)
		feedbackGroup.GET("/:taskId", handler.GetFeedback)
	}

	return router
}
