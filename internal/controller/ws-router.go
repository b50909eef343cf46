package controller

import (
	"context"

	"github.com/labsync/server/pkg/protocol"
	"github.com/labsync/server/pkg/wsrouter"
)

func (c controller) getWSRouter() *wsrouter.WSRouter {
	mux := wsrouter.New()
	mux.Use(c.wsRequestIdWSMw(), c.loggerWSMw())
	mux.SetErrorHandler(c.handleWSError)

	wsrouter.Handle(mux, protocol.TypeAlive, c.handleAlive)

	// presence
	wsrouter.Handle(mux, protocol.TypeTrack, c.handleTrack)
	wsrouter.Handle(mux, protocol.TypeUntrack, c.handleUntrack)

	// broadcast
	wsrouter.Handle(mux, protocol.TypeBroadcast, c.handleBroadcast)

	return mux
}

// handleWSError reports the failure to the client and keeps the connection.
func (c controller) handleWSError(ctx context.Context, conn wsrouter.Conn, err error) error {
	c.logger.InfoContext(ctx, "failed to handle message", "error", err)
	c.writeError(ctx, conn, err)

	return nil
}
