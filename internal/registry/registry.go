// Package registry implements the agent directory: a concurrency-safe
// catalog of agents and the capabilities they advertise, used by the
// orchestrator to discover candidates for a task.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsloop/agentcore/internal/apperrors"
	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/pkg/types"
)

// Registry is an in-memory, concurrency-safe directory of agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*types.AgentRecord
	clock  clock.Clock
	logger *logger.Logger
}

// New creates an empty Registry.
func New(clk clock.Clock, log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*types.AgentRecord),
		clock:  clk,
		logger: log,
	}
}

// Register adds or replaces an agent record. A duplicate ID overwrites
// the existing record (re-registration is how an agent refreshes its
// capability set and liveness).
func (r *Registry) Register(rec *types.AgentRecord) error {
	if rec == nil || rec.ID == "" {
		return apperrors.ValidationError("id", "agent id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *rec
	clone.Capabilities = append([]string(nil), rec.Capabilities...)
	clone.LastSeen = r.clock.Now()
	clone.Healthy = true
	r.agents[rec.ID] = &clone

	r.logger.Info("agent registered",
		zap.String("agent_id", rec.ID),
		zap.Strings("capabilities", clone.Capabilities))
	return nil
}

// Deregister removes an agent from the directory. Returns NotFound if
// the agent was never registered.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return apperrors.NotFound("agent", agentID)
	}
	delete(r.agents, agentID)
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// Get returns a copy of the agent record for agentID.
func (r *Registry) Get(agentID string) (*types.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	clone := *rec
	clone.Capabilities = append([]string(nil), rec.Capabilities...)
	return &clone, nil
}

// MarkSeen refreshes an agent's liveness timestamp without altering its
// capability set.
func (r *Registry) MarkSeen(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	rec.LastSeen = r.clock.Now()
	rec.Healthy = true
	return nil
}

// MarkUnhealthy flags an agent as unhealthy without removing it. Discover
// still returns unhealthy agents; the flag clears when the agent
// re-registers or is marked seen.
func (r *Registry) MarkUnhealthy(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	rec.Healthy = false
	return nil
}

// Discover returns every agent whose capability set is a superset of
// required, sorted by capability count descending and then by name
// ascending, matching the deterministic tie-break the orchestrator
// relies on when picking a dispatch candidate. Health is not filtered
// here: unhealthy agents remain discoverable, and it is the
// orchestrator's choice whether to skip them when picking a candidate.
func (r *Registry) Discover(required []string) []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]*types.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		if !rec.HasCapabilities(required) {
			continue
		}
		clone := *rec
		clone.Capabilities = append([]string(nil), rec.Capabilities...)
		matches = append(matches, &clone)
	}

	sort.Slice(matches, func(i, j int) bool {
		if len(matches[i].Capabilities) != len(matches[j].Capabilities) {
			return len(matches[i].Capabilities) > len(matches[j].Capabilities)
		}
		return matches[i].Name < matches[j].Name
	})

	return matches
}

// List returns every known agent record regardless of health.
func (r *Registry) List() []*types.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		clone := *rec
		clone.Capabilities = append([]string(nil), rec.Capabilities...)
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PruneStale marks agents unhealthy if their LastSeen is older than ttl.
// Intended to be called periodically by a background sweep.
func (r *Registry) PruneStale(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	pruned := 0
	for _, rec := range r.agents {
		if rec.Healthy && now.Sub(rec.LastSeen) > ttl {
			rec.Healthy = false
			pruned++
		}
	}
	if pruned > 0 {
		r.logger.Warn("pruned stale agents", zap.Int("count", pruned))
	}
	return pruned
}
