package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

func (r repo) executePipe(ctx context.Context, pipe redis.Pipeliner) error {
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		for _, cmd := range cmds {
			if err := cmd.Err(); err != nil {
				return err
			}
		}

		return err
	}

	return nil
}

func (r repo) expireRoom(ctx context.Context, pipe redis.Pipeliner, roomId string) {
	pipe.Expire(ctx, r.getPresenceKey(roomId), r.ttl)
	pipe.Expire(ctx, r.getConnsKey(roomId), r.ttl)
	pipe.Expire(ctx, r.getVersionKey(roomId), r.ttl)
	pipe.Expire(ctx, r.getAliveKey(roomId), r.ttl)
}
