package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labsync/server/internal/service/room"
	"github.com/labsync/server/pkg/ctxlogger"
	"github.com/labsync/server/pkg/protocol"
	"github.com/labsync/server/pkg/validator"
)

type joinRoomQuery struct {
	RoomId string `json:"room_id" validate:"required,max=128"`
	Key    string `json:"key" validate:"omitempty,max=128"`
	Token  string `json:"token" validate:"omitempty,max=4096"`
}

func (c controller) joinRoom(w http.ResponseWriter, r *http.Request) {
	roomId, err := getRoomIdParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := joinRoomQuery{
		RoomId: roomId,
		Key:    r.URL.Query().Get("key"),
		Token:  r.URL.Query().Get("token"),
	}
	if validationErrors, ok := c.validate.Validate(query); !ok {
		err := validator.Join(validationErrors)
		c.logger.DebugContext(r.Context(), "invalid join request", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := ctxlogger.AppendCtx(r.Context(), slog.String("room_id", query.RoomId))

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to upgrade to websocket", "error", err)
		return
	}
	conn := newWSConn(ws, c.cfg.WriteWait)
	defer conn.Close()

	key, err := c.roomService.Authenticate(ctx, &room.AuthenticateParams{
		Key:   query.Key,
		Token: query.Token,
	})
	if err != nil {
		c.logger.InfoContext(ctx, "failed to authenticate", "error", err)
		c.reject(ctx, conn, err)
		return
	}
	ctx = ctxlogger.AppendCtx(ctx, slog.String("key", key))

	connectResp, err := c.roomService.Connect(ctx, &room.ConnectParams{
		RoomId: query.RoomId,
		Key:    key,
		Conn:   conn,
	})
	if err != nil {
		c.logger.InfoContext(ctx, "failed to connect", "error", err)
		c.reject(ctx, conn, err)
		return
	}
	defer c.disconnect(context.WithoutCancel(ctx), query.RoomId, connectResp.ConnId)

	ctx = ctxlogger.AppendCtx(ctx, slog.String("conn_id", connectResp.ConnId))
	ctx = context.WithValue(ctx, roomIdCtxKey, query.RoomId)
	ctx = context.WithValue(ctx, keyCtxKey, key)
	ctx = context.WithValue(ctx, connIdCtxKey, connectResp.ConnId)

	if err := conn.open(&protocol.Output{
		Type: protocol.TypeSubscribed,
		Payload: protocol.SubscribedPayload{
			RoomId: query.RoomId,
			Key:    key,
			ConnId: connectResp.ConnId,
		},
	}); err != nil {
		c.logger.WarnContext(ctx, "failed to write subscribed", "error", err)
		return
	}
	c.logger.InfoContext(ctx, "connection subscribed")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.keepAlive(ctx, conn)

	if err := c.wsmux.ServeConn(ctx, conn); err != nil {
		c.logger.InfoContext(ctx, "connection closed", "error", err)
	}
}

// reject reports err to a connection that never subscribed and closes it
// with the matching close code.
func (c controller) reject(ctx context.Context, conn *wsConn, err error) {
	if err := conn.open(&protocol.Output{
		Type:    protocol.TypeError,
		Payload: protocol.ErrorPayload{Message: err.Error()},
	}); err != nil {
		c.logger.DebugContext(ctx, "failed to write error", "error", err)
	}

	conn.closeWith(c.closeCodeFromError(err), err.Error())
}

func (c controller) disconnect(ctx context.Context, roomId, connId string) {
	if err := c.roomService.Disconnect(ctx, &room.DisconnectParams{
		RoomId: roomId,
		ConnId: connId,
	}); err != nil {
		c.logger.WarnContext(ctx, "failed to disconnect", "error", err)
	}
}

// keepAlive pings the client on an interval until the connection fails. Pongs
// extend the read deadline and the connection's presence deadline.
func (c controller) keepAlive(ctx context.Context, conn *wsConn) {
	roomId := c.getRoomIdFromCtx(ctx)
	connId := c.getConnIdFromCtx(ctx)

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if err := c.roomService.Heartbeat(ctx, roomId, connId); err != nil {
			c.logger.WarnContext(ctx, "failed to refresh presence", "error", err)
		}
		return nil
	})

	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
					c.logger.DebugContext(ctx, "ping failed", "error", err)
					return
				}
			}
		}
	}()
}
