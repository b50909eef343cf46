package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labsync/server/internal/service/room"
	"github.com/labsync/server/pkg/validator"
	"github.com/labsync/server/pkg/wsrouter"
)

type iRoomService interface {
	Authenticate(context.Context, *room.AuthenticateParams) (string, error)
	Connect(context.Context, *room.ConnectParams) (room.ConnectResponse, error)
	Disconnect(context.Context, *room.DisconnectParams) error
	Track(context.Context, *room.TrackParams) error
	Untrack(context.Context, *room.UntrackParams) error
	Broadcast(context.Context, *room.BroadcastParams) error
	Heartbeat(ctx context.Context, roomId, connId string) error
}

type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

type controller struct {
	roomService iRoomService
	upgrader    websocket.Upgrader
	validate    *validator.Validator
	wsmux       *wsrouter.WSRouter
	logger      *slog.Logger
	cfg         Config
}

func NewController(roomService iRoomService, logger *slog.Logger, cfg *Config) *controller {
	c := &controller{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		roomService: roomService,
		validate:    validator.NewValidator(),
		logger:      logger,
		cfg:         *cfg,
	}
	c.wsmux = c.getWSRouter()

	return c
}
