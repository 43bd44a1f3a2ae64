package types

import "time"

// SessionMode governs how messages on a session are expected to be
// consumed by participants.
type SessionMode string

const (
	SessionModeCollaborative SessionMode = "collaborative"
	SessionModeBroadcast     SessionMode = "broadcast"
)

// Session is a correlation scope grouping related messages.
type Session struct {
	ID               string      `json:"id"`
	Participants     []string    `json:"participants"`
	Mode             SessionMode `json:"mode"`
	Topic            string      `json:"topic"`
	ConsensusEnabled bool        `json:"consensus_enabled,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// MessageType enumerates the kinds of payload a Message can carry.
type MessageType string

const (
	MessageTypeAction       MessageType = "action"
	MessageTypeUpdate       MessageType = "update"
	MessageTypeQuery        MessageType = "query"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
)

// Message is an immutable, sessioned unit of communication between the
// orchestrator and agents.
type Message struct {
	ID          int64                  `json:"id"`
	SessionID   string                 `json:"session_id"`
	FromAgent   string                 `json:"from_agent"`
	ToAgent     *string                `json:"to_agent,omitempty"` // nil = broadcast
	MessageType MessageType            `json:"message_type"`
	Content     string                 `json:"content"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CreateSessionParams configures a new Session.
type CreateSessionParams struct {
	Participants     []string
	Mode             SessionMode
	Topic            string
	ConsensusEnabled bool
}

// SendMessageParams configures a message send (direct or broadcast).
type SendMessageParams struct {
	SessionID   string
	FromAgent   string
	ToAgent     *string // nil = broadcast
	Content     string
	MessageType MessageType
	Metadata    map[string]interface{}
}
