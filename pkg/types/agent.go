package types

import "time"

// AgentRecord is a directory entry in the agent registry.
type AgentRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	Healthy      bool      `json:"healthy"`
	LastSeen     time.Time `json:"last_seen"`
}

// HasCapabilities reports whether the record's capability set is a
// superset of required.
func (a *AgentRecord) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// AgentExecutionResult is the structured payload an agent reports back
// to the orchestrator over the communication bus.
type AgentExecutionResult struct {
	TaskID       string    `json:"taskId"`
	Status       string    `json:"status"` // "completed" | "failed"
	AgentID      string    `json:"agentId"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Valid reports whether the result satisfies the strict wire contract.
func (r *AgentExecutionResult) Valid() bool {
	if r == nil || r.TaskID == "" || r.AgentID == "" {
		return false
	}
	return r.Status == "completed" || r.Status == "failed"
}
