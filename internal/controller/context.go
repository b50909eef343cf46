package controller

import "context"

type contextKey int

const (
	roomIdCtxKey contextKey = iota
	keyCtxKey
	connIdCtxKey
)

func (c controller) getRoomIdFromCtx(ctx context.Context) string {
	roomId, ok := ctx.Value(roomIdCtxKey).(string)
	if !ok {
		return ""
	}

	return roomId
}

func (c controller) getKeyFromCtx(ctx context.Context) string {
	key, ok := ctx.Value(keyCtxKey).(string)
	if !ok {
		return ""
	}

	return key
}

func (c controller) getConnIdFromCtx(ctx context.Context) string {
	connId, ok := ctx.Value(connIdCtxKey).(string)
	if !ok {
		return ""
	}

	return connId
}
