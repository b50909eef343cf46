package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/labsync/server/pkg/ctxlogger"
	"github.com/labsync/server/pkg/wsrouter"
)

func (c controller) wsRequestIdWSMw() wsrouter.Middleware {
	return func(next wsrouter.HandlerFunc[any]) wsrouter.HandlerFunc[any] {
		return func(ctx context.Context, conn wsrouter.Conn, payload any) error {
			ctx = ctxlogger.AppendCtx(ctx, slog.String("ws_request_id", c.generateTimeBasedId()))
			return next(ctx, conn, payload)
		}
	}
}

func (c controller) loggerWSMw() wsrouter.Middleware {
	return func(next wsrouter.HandlerFunc[any]) wsrouter.HandlerFunc[any] {
		return func(ctx context.Context, conn wsrouter.Conn, payload any) error {
			ctx = ctxlogger.AppendCtx(ctx, slog.String("message_type", wsrouter.GetMessageTypeFromCtx(ctx)))
			c.logger.DebugContext(ctx, "websocket message received")

			start := time.Now()
			err := next(ctx, conn, payload)

			c.logger.DebugContext(ctx, "websocket message handled",
				"processing_time_us", time.Since(start).Microseconds(),
			)

			return err
		}
	}
}
