package presence

import "errors"

var (
	ErrConnNotFound = errors.New("connection not found")
	ErrInvalidEvent = errors.New("invalid event")
)
