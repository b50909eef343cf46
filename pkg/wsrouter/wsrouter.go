package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// Conn is the part of a websocket connection the router needs. ReadJSON is
// only called from ServeConn; WriteJSON may be called concurrently by handlers.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
}

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type HandlerFunc[T any] func(ctx context.Context, conn Conn, payload T) error

type Middleware func(next HandlerFunc[any]) HandlerFunc[any]

// ErrorHandler is called with every error returned by a handler. Returning a
// non-nil error stops ServeConn.
type ErrorHandler func(ctx context.Context, conn Conn, err error) error

type WSRouter struct {
	routes       map[string]HandlerFunc[json.RawMessage]
	middlewares  []Middleware
	errorHandler ErrorHandler
}

func New() *WSRouter {
	return &WSRouter{
		routes: make(map[string]HandlerFunc[json.RawMessage]),
		errorHandler: func(_ context.Context, _ Conn, _ error) error {
			return nil
		},
	}
}

func (r *WSRouter) Use(mws ...Middleware) {
	r.middlewares = append(r.middlewares, mws...)
}

func (r *WSRouter) SetErrorHandler(h ErrorHandler) {
	r.errorHandler = h
}

// Handle registers handler for messageType. The raw payload is decoded into T
// before the middleware chain runs.
func Handle[T any](r *WSRouter, messageType string, handler HandlerFunc[T]) {
	inner := func(ctx context.Context, conn Conn, payload any) error {
		return handler(ctx, conn, payload.(T))
	}

	r.routes[messageType] = func(ctx context.Context, conn Conn, raw json.RawMessage) error {
		var payload T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
		}

		h := HandlerFunc[any](inner)
		for i := len(r.middlewares) - 1; i >= 0; i-- {
			h = r.middlewares[i](h)
		}

		return h(ctx, conn, payload)
	}
}

// ServeConn reads messages until the connection fails and dispatches them by type.
func (r *WSRouter) ServeConn(ctx context.Context, conn Conn) error {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		msgCtx := context.WithValue(ctx, messageTypeKey, msg.Type)

		var err error
		if handler, exists := r.routes[msg.Type]; exists {
			err = handler(msgCtx, conn, msg.Payload)
		} else {
			err = fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
		}

		if err != nil {
			if err := r.errorHandler(msgCtx, conn, err); err != nil {
				return err
			}
		}
	}
}
