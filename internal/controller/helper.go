package controller

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labsync/server/internal/service/room"
	"github.com/labsync/server/pkg/protocol"
	"github.com/labsync/server/pkg/wsrouter"
)

func (c controller) generateTimeBasedId() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

var errMalformedRoomId = errors.New("malformed room id")

// getRoomIdParam returns the decoded room id. chi matches on the raw path
// when the request carries escapes such as %2F, so the param is still escaped
// in that case.
func getRoomIdParam(r *http.Request) (string, error) {
	roomId := chi.URLParam(r, "room-id")
	if r.URL.RawPath != "" {
		var err error
		if roomId, err = url.PathUnescape(roomId); err != nil {
			return "", errMalformedRoomId
		}
	}

	if !utf8.ValidString(roomId) {
		return "", errMalformedRoomId
	}

	return roomId, nil
}

func (c controller) writeError(ctx context.Context, conn wsrouter.Conn, err error) {
	if err := conn.WriteJSON(&protocol.Output{
		Type:    protocol.TypeError,
		Payload: protocol.ErrorPayload{Message: err.Error()},
	}); err != nil {
		c.logger.InfoContext(ctx, "failed to write error", "error", err)
	}
}

func (c controller) closeCodeFromError(err error) int {
	switch {
	case errors.Is(err, room.ErrUnauthorized):
		return protocol.CloseUnauthorized
	case errors.Is(err, room.ErrRoomFull):
		return protocol.CloseRoomFull
	case errors.Is(err, room.ErrInvalidParams):
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}
