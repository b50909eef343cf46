package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/labsync/server/internal/repository/presence"
	"github.com/redis/go-redis/v9"
)

// untrackScript removes a connection and drops the presence entry of its key
// once no other connection holds that key, bumping the room version.
var untrackScript = redis.NewScript(`
	redis.call('ZREM', KEYS[4], ARGV[1])

	local key = redis.call('HGET', KEYS[1], ARGV[1])
	if not key then
		return false
	end
	redis.call('HDEL', KEYS[1], ARGV[1])

	local holders = redis.call('HVALS', KEYS[1])
	for _, holder in ipairs(holders) do
		if holder == key then
			return {key, 0}
		end
	end

	redis.call('HDEL', KEYS[2], key)
	redis.call('INCR', KEYS[3])
	return {key, 1}
`)

// refreshScript pushes back the deadline of a tracking connection, then drops
// every connection whose deadline passed. A key loses its presence entry with
// its last holder and the version is bumped once if anything was removed.
var refreshScript = redis.NewScript(`
	if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
		redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
	end

	local removed = {}
	local expired = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', '(' .. ARGV[2])
	for _, conn in ipairs(expired) do
		redis.call('ZREM', KEYS[4], conn)

		local key = redis.call('HGET', KEYS[1], conn)
		if key then
			redis.call('HDEL', KEYS[1], conn)

			local held = false
			for _, holder in ipairs(redis.call('HVALS', KEYS[1])) do
				if holder == key then
					held = true
					break
				end
			end

			if not held then
				redis.call('HDEL', KEYS[2], key)
				table.insert(removed, key)
			end
		end
	end

	if #removed > 0 then
		redis.call('INCR', KEYS[3])
	end
	return removed
`)

func (r repo) roomKeys(roomId string) []string {
	return []string{
		r.getConnsKey(roomId),
		r.getPresenceKey(roomId),
		r.getVersionKey(roomId),
		r.getAliveKey(roomId),
	}
}

func (r repo) Track(ctx context.Context, params *presence.TrackParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	pipe := r.rc.TxPipeline()

	pipe.HSet(ctx, r.getConnsKey(params.RoomId), params.ConnId, params.Key)
	pipe.HSet(ctx, r.getPresenceKey(params.RoomId), params.Key, string(params.State))
	pipe.ZAdd(ctx, r.getAliveKey(params.RoomId), redis.Z{Score: float64(r.deadline()), Member: params.ConnId})
	pipe.Incr(ctx, r.getVersionKey(params.RoomId))
	r.expireRoom(ctx, pipe, params.RoomId)

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}

	return nil
}

func (r repo) Untrack(ctx context.Context, params *presence.UntrackParams) (presence.UntrackResponse, error) {
	r.logger.DebugContext(ctx, "called", "params", params)
	res, err := untrackScript.Run(ctx, r.rc, r.roomKeys(params.RoomId), params.ConnId).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.logger.DebugContext(ctx, "returned", "error", presence.ErrConnNotFound)
			return presence.UntrackResponse{}, presence.ErrConnNotFound
		}

		r.logger.DebugContext(ctx, "returned", "error", err)
		return presence.UntrackResponse{}, err
	}

	if len(res) != 2 {
		return presence.UntrackResponse{}, fmt.Errorf("unexpected untrack reply: %v", res)
	}

	key, _ := res[0].(string)
	removed, _ := res[1].(int64)

	return presence.UntrackResponse{
		Key:     key,
		Removed: removed == 1,
	}, nil
}

// Refresh keeps the connection and the room alive and sweeps connections
// that stopped refreshing, e.g. those of a crashed hub instance.
func (r repo) Refresh(ctx context.Context, params *presence.RefreshParams) (presence.RefreshResponse, error) {
	removed, err := refreshScript.Run(ctx, r.rc, r.roomKeys(params.RoomId),
		params.ConnId,
		strconv.FormatInt(r.now().UnixMilli(), 10),
		strconv.FormatInt(r.deadline(), 10),
	).StringSlice()
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return presence.RefreshResponse{}, err
	}

	pipe := r.rc.Pipeline()
	r.expireRoom(ctx, pipe, params.RoomId)
	if err := r.executePipe(ctx, pipe); err != nil {
		return presence.RefreshResponse{}, err
	}

	if len(removed) > 0 {
		r.logger.DebugContext(ctx, "swept silent connections", "room_id", params.RoomId, "keys", removed)
	}

	return presence.RefreshResponse{Removed: removed}, nil
}

// GetSnapshot reads the presences and their version in one transaction.
func (r repo) GetSnapshot(ctx context.Context, roomId string) (presence.Snapshot, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)
	pipe := r.rc.TxPipeline()

	fieldsCmd := pipe.HGetAll(ctx, r.getPresenceKey(roomId))
	versionCmd := pipe.IncrBy(ctx, r.getVersionKey(roomId), 0)
	pipe.Expire(ctx, r.getVersionKey(roomId), r.ttl)

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return presence.Snapshot{}, err
	}

	fields := fieldsCmd.Val()
	presences := make(map[string]json.RawMessage, len(fields))
	for key, state := range fields {
		presences[key] = json.RawMessage(state)
	}

	return presence.Snapshot{
		Version:   versionCmd.Val(),
		Presences: presences,
	}, nil
}

func (r repo) IsKeyPresent(ctx context.Context, roomId, key string) (bool, error) {
	return r.rc.HExists(ctx, r.getPresenceKey(roomId), key).Result()
}

func (r repo) CountKeys(ctx context.Context, roomId string) (int, error) {
	n, err := r.rc.HLen(ctx, r.getPresenceKey(roomId)).Result()
	if err != nil {
		return 0, err
	}

	return int(n), nil
}
