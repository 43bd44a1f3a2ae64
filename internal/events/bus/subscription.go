package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a *nats.Subscription to the Subscription
// interface so callers can treat a NATS subscription and a
// MemoryEventBus subscription identically.
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe asks the broker to drop this subscription.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid reports whether the underlying NATS subscription is still live.
func (s *natsSubscription) IsValid() bool {
	if s.sub == nil {
		return false
	}
	return s.sub.IsValid()
}
