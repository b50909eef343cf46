package redis

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type repo struct {
	rc     *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRepo stores presence in hashes that expire ttl after the last write or
// heartbeat. Each tracking connection also has its own deadline, so entries
// of a connection that went silent are swept while the room stays busy.
func NewRepo(rc *redis.Client, ttl time.Duration, logger *slog.Logger) *repo {
	return &repo{
		rc:     rc,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func (r repo) getPresenceKey(roomId string) string {
	return "room:" + roomId + ":presence"
}

func (r repo) getConnsKey(roomId string) string {
	return "room:" + roomId + ":conns"
}

func (r repo) getVersionKey(roomId string) string {
	return "room:" + roomId + ":version"
}

// getAliveKey is a sorted set of connection ids scored by their deadline in
// unix milliseconds.
func (r repo) getAliveKey(roomId string) string {
	return "room:" + roomId + ":alive"
}

func (r repo) deadline() int64 {
	return r.now().Add(r.ttl).UnixMilli()
}

func (r repo) getEventsChannel(roomId string) string {
	return "room:" + roomId + ":events"
}
