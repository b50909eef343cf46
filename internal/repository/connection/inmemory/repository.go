package inmemory

import (
	"log/slog"
	"sync"

	"github.com/labsync/server/internal/repository/connection"
	"golang.org/x/exp/maps"
)

// repo tracks the connections served by this hub instance, grouped by room.
type repo struct {
	conns  map[string]string
	rooms  map[string]map[string]connection.Conn
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewRepo(logger *slog.Logger) *repo {
	return &repo{
		conns:  make(map[string]string),
		rooms:  make(map[string]map[string]connection.Conn),
		logger: logger,
	}
}

func (r *repo) Add(roomId, connId string, conn connection.Conn) error {
	funcName := "connection.inmemory.Add"
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug(funcName, "room_id", roomId, "conn_id", connId)
	if _, ok := r.conns[connId]; ok {
		r.logger.Info(funcName, "error", connection.ErrAlreadyExists)
		return connection.ErrAlreadyExists
	}

	r.conns[connId] = roomId
	if r.rooms[roomId] == nil {
		r.rooms[roomId] = make(map[string]connection.Conn)
	}
	r.rooms[roomId][connId] = conn

	return nil
}

// Remove forgets connId and returns the room it belonged to. The connection is not closed.
func (r *repo) Remove(connId string) (string, error) {
	funcName := "connection.inmemory.Remove"
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug(funcName, "conn_id", connId)
	roomId, ok := r.conns[connId]
	if !ok {
		r.logger.Info(funcName, "error", connection.ErrNotFound)
		return "", connection.ErrNotFound
	}

	delete(r.conns, connId)
	delete(r.rooms[roomId], connId)
	if len(r.rooms[roomId]) == 0 {
		delete(r.rooms, roomId)
	}

	return roomId, nil
}

// GetConns returns a snapshot of the room's connections keyed by connection id.
func (r *repo) GetConns(roomId string) map[string]connection.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := maps.Clone(r.rooms[roomId])
	if conns == nil {
		conns = make(map[string]connection.Conn)
	}

	return conns
}

func (r *repo) Count(roomId string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms[roomId])
}
