package collab

import (
	"context"
	"encoding/json"
)

// PresenceState is a full presence snapshot: presence key to tracked meta.
type PresenceState map[string]json.RawMessage

// Transport opens room-scoped channels on some pub/sub backend.
type Transport interface {
	// Channel returns an unsubscribed channel for topic. presenceKey
	// identifies the caller in presence snapshots; the backend keeps one
	// entry per key.
	Channel(topic, presenceKey string) Channel
}

// Channel is one subscription to a topic with a reliable presence stream and
// a best-effort broadcast stream. Handlers must be registered before Subscribe.
type Channel interface {
	OnPresenceSync(handler func(PresenceState))
	OnBroadcast(event string, handler func(payload json.RawMessage))

	// Subscribe blocks until the subscription is active.
	Subscribe(ctx context.Context) error
	Track(ctx context.Context, meta any) error
	// Send publishes a broadcast without waiting for delivery.
	Send(event string, payload any) error

	// Done is closed when the subscription ends for any reason.
	Done() <-chan struct{}
	Err() error
	Close() error
}
