package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/labsync/server/internal/repository/connection"
	"github.com/labsync/server/internal/repository/presence"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrInvalidState  = errors.New("presence state must be a json object")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidParams = errors.New("invalid params")
)

type iPresenceRepo interface {
	Track(context.Context, *presence.TrackParams) error
	Untrack(context.Context, *presence.UntrackParams) (presence.UntrackResponse, error)
	Refresh(context.Context, *presence.RefreshParams) (presence.RefreshResponse, error)
	GetSnapshot(ctx context.Context, roomId string) (presence.Snapshot, error)
	IsKeyPresent(ctx context.Context, roomId, key string) (bool, error)
	CountKeys(ctx context.Context, roomId string) (int, error)
	Publish(ctx context.Context, roomId string, event *presence.Event) error
	Subscribe(ctx context.Context, roomId string) (<-chan presence.Event, func() error, error)
}

type iConnRepo interface {
	Add(roomId, connId string, conn connection.Conn) error
	Remove(connId string) (string, error)
	GetConns(roomId string) map[string]connection.Conn
	Count(roomId string) int
}

type Config struct {
	MembersLimit int
	Secret       string
}

type roomFanout struct {
	close func() error
	done  chan struct{}
}

type service struct {
	presenceRepo iPresenceRepo
	connRepo     iConnRepo
	logger       *slog.Logger
	membersLimit int
	secret       string

	mu      sync.Mutex
	fanouts map[string]*roomFanout
}

func NewService(presenceRepo iPresenceRepo, connRepo iConnRepo, cfg *Config, logger *slog.Logger) *service {
	return &service{
		presenceRepo: presenceRepo,
		connRepo:     connRepo,
		logger:       logger,
		membersLimit: cfg.MembersLimit,
		secret:       cfg.Secret,
		fanouts:      make(map[string]*roomFanout),
	}
}
