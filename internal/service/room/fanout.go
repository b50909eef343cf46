package room

import (
	"context"
	"fmt"

	"github.com/labsync/server/internal/repository/connection"
	"github.com/labsync/server/internal/repository/presence"
	"github.com/labsync/server/pkg/protocol"
)

// addConn registers conn and makes sure this instance listens to the room's
// events. Both happen under s.mu so removeConn never tears down a
// subscription a new connection relies on.
func (s *service) addConn(ctx context.Context, roomId, connId string, conn connection.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fanouts[roomId]; !ok {
		events, closeFn, err := s.presenceRepo.Subscribe(context.WithoutCancel(ctx), roomId)
		if err != nil {
			return fmt.Errorf("failed to subscribe to room: %w", err)
		}

		f := &roomFanout{close: closeFn, done: make(chan struct{})}
		s.fanouts[roomId] = f
		go s.fanout(context.WithoutCancel(ctx), roomId, events, f.done)
	}

	if err := s.connRepo.Add(roomId, connId, conn); err != nil {
		s.releaseFanout(roomId)
		return fmt.Errorf("failed to add connection: %w", err)
	}

	return nil
}

func (s *service) removeConn(roomId, connId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.connRepo.Remove(connId); err != nil {
		s.logger.Debug("connection already removed", "conn_id", connId, "error", err)
	}

	s.releaseFanout(roomId)
}

// releaseFanout must be called with s.mu held.
func (s *service) releaseFanout(roomId string) {
	if s.connRepo.Count(roomId) > 0 {
		return
	}

	f, ok := s.fanouts[roomId]
	if !ok {
		return
	}
	delete(s.fanouts, roomId)

	if err := f.close(); err != nil {
		s.logger.Warn("failed to close room subscription", "room_id", roomId, "error", err)
	}
	<-f.done
}

func (s *service) fanout(ctx context.Context, roomId string, events <-chan presence.Event, done chan struct{}) {
	defer close(done)

	var version int64
	for event := range events {
		var out protocol.Output
		switch event.Type {
		case presence.EventPresenceSync:
			// snapshots published concurrently may arrive out of order
			if event.Version < version {
				s.logger.DebugContext(ctx, "dropping stale presence state",
					"room_id", roomId,
					"version", event.Version,
					"latest", version,
				)
				continue
			}
			version = event.Version
			out = protocol.Output{Type: protocol.TypePresenceState, Payload: event.Payload}
		case presence.EventBroadcast:
			out = protocol.Output{Type: protocol.TypeBroadcast, Payload: event.Payload}
		default:
			s.logger.WarnContext(ctx, "unknown event type", "room_id", roomId, "type", event.Type)
			continue
		}

		for connId, conn := range s.connRepo.GetConns(roomId) {
			if event.Type == presence.EventBroadcast && connId == event.OriginConnId {
				continue
			}

			if err := conn.WriteJSON(&out); err != nil {
				s.logger.InfoContext(ctx, "failed to write event, closing connection",
					"room_id", roomId,
					"conn_id", connId,
					"error", err,
				)
				conn.Close()
			}
		}
	}
}

// Close stops every room subscription held by this instance.
func (s *service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for roomId, f := range s.fanouts {
		delete(s.fanouts, roomId)
		f.close()
		<-f.done
	}
}
