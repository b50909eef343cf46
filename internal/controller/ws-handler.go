package controller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/labsync/server/internal/service/room"
	"github.com/labsync/server/pkg/validator"
	"github.com/labsync/server/pkg/wsrouter"
)

type EmptyInput struct{}

func (c controller) handleAlive(ctx context.Context, _ wsrouter.Conn, _ EmptyInput) error {
	if err := c.roomService.Heartbeat(ctx, c.getRoomIdFromCtx(ctx), c.getConnIdFromCtx(ctx)); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}

	return nil
}

func (c controller) handleTrack(ctx context.Context, _ wsrouter.Conn, input json.RawMessage) error {
	if err := c.roomService.Track(ctx, &room.TrackParams{
		RoomId: c.getRoomIdFromCtx(ctx),
		ConnId: c.getConnIdFromCtx(ctx),
		Key:    c.getKeyFromCtx(ctx),
		State:  input,
	}); err != nil {
		return fmt.Errorf("failed to track: %w", err)
	}

	return nil
}

func (c controller) handleUntrack(ctx context.Context, _ wsrouter.Conn, _ EmptyInput) error {
	if err := c.roomService.Untrack(ctx, &room.UntrackParams{
		RoomId: c.getRoomIdFromCtx(ctx),
		ConnId: c.getConnIdFromCtx(ctx),
	}); err != nil {
		return fmt.Errorf("failed to untrack: %w", err)
	}

	return nil
}

type BroadcastInput struct {
	Event   string          `json:"event" validate:"required,max=64,printascii"`
	Payload json.RawMessage `json:"payload"`
}

func (c controller) handleBroadcast(ctx context.Context, _ wsrouter.Conn, input BroadcastInput) error {
	if validationErrors, ok := c.validate.Validate(input); !ok {
		return fmt.Errorf("%w: %w", wsrouter.ErrInvalidPayload, validator.Join(validationErrors))
	}

	if err := c.roomService.Broadcast(ctx, &room.BroadcastParams{
		RoomId:  c.getRoomIdFromCtx(ctx),
		ConnId:  c.getConnIdFromCtx(ctx),
		Event:   input.Event,
		Payload: input.Payload,
	}); err != nil {
		return fmt.Errorf("failed to broadcast: %w", err)
	}

	return nil
}
