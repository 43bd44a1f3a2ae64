// Package bus provides the low-level transport primitive underneath the
// sessioned communication bus (internal/bus): a subject-addressed
// publish/subscribe contract that the in-memory implementation and an
// optional NATS-backed implementation both satisfy, so the sessioned
// layer above can run against a single process in tests and a real
// broker in production without changing its own code.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope carried over the transport. The sessioned bus
// wraps every comms.message_sent publication in one of these. Metrics
// snapshots and mission progress are ordinary session messages, so they
// travel on comms.message_sent as well.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an Event with a fresh ID and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered Event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a handle on an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport contract. It deliberately omits queue-group
// and request/reply semantics: the sessioned bus above it only ever
// publishes to and subscribes on the single well-known subject
// comms.message_sent, fanning out to every subscriber rather than
// load-balancing across a worker pool.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
