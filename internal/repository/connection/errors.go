package connection

import "errors"

var (
	ErrNotFound      = errors.New("connection not found")
	ErrAlreadyExists = errors.New("connection already exists")
)

// Conn is a connection the hub can push frames to. WriteJSON must be safe for concurrent use.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}
