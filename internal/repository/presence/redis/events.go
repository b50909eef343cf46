package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/labsync/server/internal/repository/presence"
)

func (r repo) Publish(ctx context.Context, roomId string, event *presence.Event) error {
	if event.Type == "" {
		return presence.ErrInvalidEvent
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return r.rc.Publish(ctx, r.getEventsChannel(roomId), data).Err()
}

// Subscribe returns once the subscription is confirmed, so events published
// afterwards are not missed. The channel is closed after the returned close func is called.
func (r repo) Subscribe(ctx context.Context, roomId string) (<-chan presence.Event, func() error, error) {
	ps := r.rc.Subscribe(ctx, r.getEventsChannel(roomId))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to room events: %w", err)
	}

	events := make(chan presence.Event, 64)
	go func() {
		defer close(events)
		for msg := range ps.Channel() {
			var event presence.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.WarnContext(ctx, "dropping malformed event", "room_id", roomId, "error", err)
				continue
			}
			events <- event
		}
	}()

	return events, ps.Close, nil
}
