package room

import (
	"context"
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/labsync/server/internal/repository/presence"
	"github.com/labsync/server/pkg/protocol"
)

// Broadcast relays payload to every other connection in the room. Delivery is
// best effort: nothing is stored and slow receivers may miss messages.
func (s *service) Broadcast(ctx context.Context, params *BroadcastParams) error {
	if err := validation.ValidateStructWithContext(ctx, params,
		validation.Field(&params.RoomId, RoomIdRule...),
		validation.Field(&params.ConnId, ConnIdRule...),
		validation.Field(&params.Event, EventRule...),
	); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	payload, err := json.Marshal(protocol.BroadcastPayload{
		Event:   params.Event,
		Payload: params.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}

	if err := s.presenceRepo.Publish(ctx, params.RoomId, &presence.Event{
		Type:         presence.EventBroadcast,
		OriginConnId: params.ConnId,
		Payload:      payload,
	}); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}

	return nil
}
