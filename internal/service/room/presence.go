package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/labsync/server/internal/repository/presence"
	"github.com/labsync/server/pkg/protocol"
)

func (s *service) Connect(ctx context.Context, params *ConnectParams) (ConnectResponse, error) {
	s.logger.DebugContext(ctx, "called", "room_id", params.RoomId, "key", params.Key)

	if err := validation.ValidateStructWithContext(ctx, params,
		validation.Field(&params.RoomId, RoomIdRule...),
		validation.Field(&params.Key, KeyRule...),
		validation.Field(&params.Conn, validation.Required),
	); err != nil {
		return ConnectResponse{}, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	present, err := s.presenceRepo.IsKeyPresent(ctx, params.RoomId, params.Key)
	if err != nil {
		return ConnectResponse{}, fmt.Errorf("failed to check presence: %w", err)
	}

	if !present {
		count, err := s.presenceRepo.CountKeys(ctx, params.RoomId)
		if err != nil {
			return ConnectResponse{}, fmt.Errorf("failed to count presences: %w", err)
		}

		if count >= s.membersLimit {
			return ConnectResponse{}, ErrRoomFull
		}
	}

	connId := uuid.NewString()
	if err := s.addConn(ctx, params.RoomId, connId, params.Conn); err != nil {
		return ConnectResponse{}, err
	}

	if err := s.publishPresenceState(ctx, params.RoomId); err != nil {
		s.removeConn(params.RoomId, connId)
		return ConnectResponse{}, err
	}

	return ConnectResponse{ConnId: connId}, nil
}

// Disconnect forgets the connection and untracks whatever it tracked.
func (s *service) Disconnect(ctx context.Context, params *DisconnectParams) error {
	s.logger.DebugContext(ctx, "called", "room_id", params.RoomId, "conn_id", params.ConnId)
	s.removeConn(params.RoomId, params.ConnId)

	return s.Untrack(ctx, &UntrackParams{
		RoomId: params.RoomId,
		ConnId: params.ConnId,
	})
}

func (s *service) Track(ctx context.Context, params *TrackParams) error {
	if err := validation.ValidateStructWithContext(ctx, params,
		validation.Field(&params.RoomId, RoomIdRule...),
		validation.Field(&params.ConnId, ConnIdRule...),
		validation.Field(&params.Key, KeyRule...),
	); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params.State, &fields); err != nil || fields == nil {
		return ErrInvalidState
	}

	if err := s.presenceRepo.Track(ctx, &presence.TrackParams{
		RoomId: params.RoomId,
		ConnId: params.ConnId,
		Key:    params.Key,
		State:  params.State,
	}); err != nil {
		return fmt.Errorf("failed to track: %w", err)
	}

	return s.publishPresenceState(ctx, params.RoomId)
}

// Untrack is a no-op for connections that never tracked.
func (s *service) Untrack(ctx context.Context, params *UntrackParams) error {
	untrackResp, err := s.presenceRepo.Untrack(ctx, &presence.UntrackParams{
		RoomId: params.RoomId,
		ConnId: params.ConnId,
	})
	if err != nil {
		if errors.Is(err, presence.ErrConnNotFound) {
			return nil
		}
		return fmt.Errorf("failed to untrack: %w", err)
	}

	if !untrackResp.Removed {
		return nil
	}

	return s.publishPresenceState(ctx, params.RoomId)
}

// Heartbeat keeps connId's presence alive and publishes a new state when
// entries of silent connections were swept along the way.
func (s *service) Heartbeat(ctx context.Context, roomId, connId string) error {
	refreshResp, err := s.presenceRepo.Refresh(ctx, &presence.RefreshParams{
		RoomId: roomId,
		ConnId: connId,
	})
	if err != nil {
		return fmt.Errorf("failed to refresh: %w", err)
	}

	if len(refreshResp.Removed) == 0 {
		return nil
	}
	s.logger.InfoContext(ctx, "removed stale presences", "room_id", roomId, "keys", refreshResp.Removed)

	return s.publishPresenceState(ctx, roomId)
}

func (s *service) GetPresences(ctx context.Context, roomId string) (map[string]json.RawMessage, error) {
	snapshot, err := s.presenceRepo.GetSnapshot(ctx, roomId)
	if err != nil {
		return nil, err
	}

	return snapshot.Presences, nil
}

func (s *service) publishPresenceState(ctx context.Context, roomId string) error {
	snapshot, err := s.presenceRepo.GetSnapshot(ctx, roomId)
	if err != nil {
		return fmt.Errorf("failed to get presences: %w", err)
	}

	payload, err := json.Marshal(protocol.PresenceStatePayload{Presences: snapshot.Presences})
	if err != nil {
		return err
	}

	if err := s.presenceRepo.Publish(ctx, roomId, &presence.Event{
		Type:    presence.EventPresenceSync,
		Version: snapshot.Version,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("failed to publish presence state: %w", err)
	}

	return nil
}
