package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/agentcore/internal/bus"
	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/internal/consensus"
	"github.com/opsloop/agentcore/internal/delegation"
	eventbus "github.com/opsloop/agentcore/internal/events/bus"
	"github.com/opsloop/agentcore/internal/feedback"
	"github.com/opsloop/agentcore/internal/memorystore"
	"github.com/opsloop/agentcore/internal/metrics"
	"github.com/opsloop/agentcore/internal/orchestrator"
	"github.com/opsloop/agentcore/internal/registry"
	"github.com/opsloop/agentcore/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestRouter(t *testing.T) *gin.Engine {
	log := testLogger(t)
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	transport := eventbus.NewMemoryEventBus(log)
	busSvc := bus.New(transport, clk, log, 100)
	mem := memorystore.NewInMemory(clk)
	delegationSvc := delegation.New(clk, log, mem, delegation.Config{})
	reg := registry.New(clk, log)
	orch := orchestrator.New(reg, busSvc, delegationSvc, clk, log, nil, orchestrator.Config{})
	consensusEngine := consensus.New(consensus.Config{}, nil)
	feedbackSvc := feedback.New(delegationSvc, mem, clk, log)
	return NewRouter(reg, busSvc, delegationSvc, orch, consensusEngine, feedbackSvc, metrics.NewRegistry(), log)
}

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterAndListAgents(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{
		ID: "dev-agent", Name: "dev-agent", Capabilities: []string{"development"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dev-agent")
}

func TestCreateSessionAndSendMessage(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{
		Participants: []string{"orchestrator", "dev-agent"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))

	rec = doRequest(router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/messages", SendMessageRequest{
		FromAgent: "orchestrator", Content: "hello",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/messages", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")
}

func TestGetTaskNotFoundReturns404(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(router, http.MethodGet, "/api/v1/tasks/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveConsensusEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(router, http.MethodPost, "/api/v1/consensus/resolve", ResolveConsensusRequest{
		Proposal: "adopt plan X",
		Viewpoints: []types.ViewPoint{
			{AgentID: "a1", Position: "adopt plan X because cost"},
			{AgentID: "a2", Position: "adopt plan X because cost"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result types.ConsensusResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Agreed)
}

func TestHarvestSnapshotEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(router, http.MethodPost, "/api/v1/snapshots/harvest", HarvestRequest{
		Snapshot: types.ProactiveSnapshot{TakenAt: time.Now().UTC()},
		Recommendations: []types.Recommendation{
			{Action: "Refactor the login handler", Finding: "latency regressed"},
		},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
