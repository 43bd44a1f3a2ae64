package httpapi

import "github.com/opsloop/agentcore/pkg/types"

// RegisterAgentRequest is the body of POST /agents.
type RegisterAgentRequest struct {
	ID           string   `json:"id" binding:"required"`
	Name         string   `json:"name" binding:"required"`
	Capabilities []string `json:"capabilities"`
}

// ExecutePlanRequest is the body of POST /plans/execute.
type ExecutePlanRequest struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Participants     []string         `json:"participants" binding:"required"`
	Mode             types.SessionMode `json:"mode"`
	Topic            string           `json:"topic"`
	ConsensusEnabled bool             `json:"consensusEnabled"`
}

// SendMessageRequest is the body of POST /sessions/:sessionId/messages.
type SendMessageRequest struct {
	FromAgent   string            `json:"fromAgent" binding:"required"`
	ToAgent     *string           `json:"toAgent,omitempty"`
	Content     string            `json:"content" binding:"required"`
	MessageType types.MessageType `json:"messageType"`
}

// ResolveConsensusRequest is the body of POST /consensus/resolve.
type ResolveConsensusRequest struct {
	Proposal   string             `json:"proposal" binding:"required"`
	Viewpoints []types.ViewPoint  `json:"viewpoints" binding:"required"`
}

// RecordFeedbackRequest is the body of POST /feedback.
type RecordFeedbackRequest struct {
	TaskID     string                `json:"taskId" binding:"required"`
	UserRating types.FeedbackRating  `json:"userRating" binding:"required"`
	Correction string                `json:"correction"`
}

// HarvestRequest is the body of POST /snapshots/harvest, used to
// manually trigger a harvest cycle outside the polling loop.
type HarvestRequest struct {
	Snapshot        types.ProactiveSnapshot  `json:"snapshot" binding:"required"`
	Recommendations []types.Recommendation   `json:"recommendations"`
}
