package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labsync/server/internal/repository/presence"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (*repo, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rc.Close() })

	return NewRepo(rc, time.Minute, slog.Default()), s
}

func TestTrackAndGetSnapshot(t *testing.T) {
	r, s := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Track(ctx, &presence.TrackParams{
		RoomId: "room-a",
		ConnId: "c1",
		Key:    "alice",
		State:  json.RawMessage(`{"name":"Alice"}`),
	}))
	require.NoError(t, r.Track(ctx, &presence.TrackParams{
		RoomId: "room-a",
		ConnId: "c2",
		Key:    "bob",
		State:  json.RawMessage(`{"name":"Bob"}`),
	}))

	snapshot, err := r.GetSnapshot(ctx, "room-a")
	require.NoError(t, err)
	presences := snapshot.Presences
	require.Len(t, presences, 2)
	assert.JSONEq(t, `{"name":"Alice"}`, string(presences["alice"]))
	assert.JSONEq(t, `{"name":"Bob"}`, string(presences["bob"]))
	assert.Equal(t, int64(2), snapshot.Version)

	n, err := r.CountKeys(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := r.IsKeyPresent(ctx, "room-a", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, time.Minute, s.TTL(r.getPresenceKey("room-a")))
	assert.Equal(t, time.Minute, s.TTL(r.getConnsKey("room-a")))
	assert.Equal(t, time.Minute, s.TTL(r.getAliveKey("room-a")))
}

func TestTrackSameKeyOverwrites(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	for i, state := range []string{`{"name":"tab1"}`, `{"name":"tab2"}`} {
		require.NoError(t, r.Track(ctx, &presence.TrackParams{
			RoomId: "room-a",
			ConnId: []string{"c1", "c2"}[i],
			Key:    "alice",
			State:  json.RawMessage(state),
		}))
	}

	snapshot, err := r.GetSnapshot(ctx, "room-a")
	require.NoError(t, err)
	presences := snapshot.Presences
	require.Len(t, presences, 1)
	assert.JSONEq(t, `{"name":"tab2"}`, string(presences["alice"]))
}

func TestUntrackKeepsKeyWhileAnotherConnHoldsIt(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	for _, connId := range []string{"c1", "c2"} {
		require.NoError(t, r.Track(ctx, &presence.TrackParams{
			RoomId: "room-a",
			ConnId: connId,
			Key:    "alice",
			State:  json.RawMessage(`{}`),
		}))
	}

	resp, err := r.Untrack(ctx, &presence.UntrackParams{RoomId: "room-a", ConnId: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", resp.Key)
	assert.False(t, resp.Removed)

	snapshot, err := r.GetSnapshot(ctx, "room-a")
	require.NoError(t, err)
	presences := snapshot.Presences
	assert.Contains(t, presences, "alice")

	assert.Equal(t, int64(2), snapshot.Version, "untrack without removal keeps the version")

	resp, err = r.Untrack(ctx, &presence.UntrackParams{RoomId: "room-a", ConnId: "c2"})
	require.NoError(t, err)
	assert.True(t, resp.Removed)

	snapshot, err = r.GetSnapshot(ctx, "room-a")
	require.NoError(t, err)
	presences = snapshot.Presences
	assert.Empty(t, presences)
	assert.Equal(t, int64(3), snapshot.Version)

	_, err = r.Untrack(ctx, &presence.UntrackParams{RoomId: "room-a", ConnId: "c2"})
	assert.ErrorIs(t, err, presence.ErrConnNotFound)
}

func TestRefreshExtendsTTL(t *testing.T) {
	r, s := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Track(ctx, &presence.TrackParams{
		RoomId: "room-a",
		ConnId: "c1",
		Key:    "alice",
		State:  json.RawMessage(`{}`),
	}))

	s.FastForward(50 * time.Second)
	resp, err := r.Refresh(ctx, &presence.RefreshParams{RoomId: "room-a", ConnId: "c1"})
	require.NoError(t, err)
	assert.Empty(t, resp.Removed)
	s.FastForward(50 * time.Second)

	snapshot, err := r.GetSnapshot(ctx, "room-a")
	require.NoError(t, err)
	presences := snapshot.Presences
	assert.Contains(t, presences, "alice")

	s.FastForward(2 * time.Minute)
	snapshot, err = r.GetSnapshot(ctx, "room-a")
	require.NoError(t, err)
	presences = snapshot.Presences
	assert.Empty(t, presences, "presence must expire without heartbeats")
}

func TestRefreshSweepsSilentConnections(t *testing.T) {
	r, s := newTestRepo(t)
	ctx := context.Background()

	clock := time.Now()
	r.now = func() time.Time { return clock }

	require.NoError(t, r.Track(ctx, &presence.TrackParams{
		RoomId: "room-a",
		ConnId: "c1",
		Key:    "alice",
		State:  json.RawMessage(`{"name":"Alice"}`),
	}))
	require.NoError(t, r.Track(ctx, &presence.TrackParams{
		RoomId: "room-a",
		ConnId: "c2",
		Key:    "bob",
		State:  json.RawMessage(`{"name":"Bob"}`),
	}))

	// only bob keeps refreshing, alice's hub is gone
	var removed []string
	for i := 0; i < 20; i++ {
		clock = clock.Add(30 * time.Second)
		s.FastForward(30 * time.Second)

		resp, err := r.Refresh(ctx, &presence.RefreshParams{RoomId: "room-a", ConnId: "c2"})
		require.NoError(t, err)
		removed = append(removed, resp.Removed...)
	}
	assert.Equal(t, []string{"alice"}, removed)

	snapshot, err := r.GetSnapshot(ctx, "room-a")
	require.NoError(t, err)
	assert.Len(t, snapshot.Presences, 1)
	assert.Contains(t, snapshot.Presences, "bob")
	assert.Equal(t, int64(3), snapshot.Version, "a sweep bumps the version")

	_, err = r.Untrack(ctx, &presence.UntrackParams{RoomId: "room-a", ConnId: "c1"})
	assert.ErrorIs(t, err, presence.ErrConnNotFound)
}

func TestRefreshSweepKeepsKeyWithLiveHolder(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	clock := time.Now()
	r.now = func() time.Time { return clock }

	for _, connId := range []string{"c1", "c2"} {
		require.NoError(t, r.Track(ctx, &presence.TrackParams{
			RoomId: "room-a",
			ConnId: connId,
			Key:    "alice",
			State:  json.RawMessage(`{}`),
		}))
	}

	clock = clock.Add(2 * time.Minute)
	resp, err := r.Refresh(ctx, &presence.RefreshParams{RoomId: "room-a", ConnId: "c2"})
	require.NoError(t, err)
	assert.Empty(t, resp.Removed, "c2 still holds alice")

	snapshot, err := r.GetSnapshot(ctx, "room-a")
	require.NoError(t, err)
	assert.Contains(t, snapshot.Presences, "alice")
	assert.Equal(t, int64(2), snapshot.Version)

	_, err = r.Untrack(ctx, &presence.UntrackParams{RoomId: "room-a", ConnId: "c1"})
	assert.ErrorIs(t, err, presence.ErrConnNotFound, "the silent connection was swept")
}

func TestPublishSubscribe(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	events, closeFn, err := r.Subscribe(ctx, "room-a")
	require.NoError(t, err)

	other, closeOther, err := r.Subscribe(ctx, "room-b")
	require.NoError(t, err)
	defer closeOther()

	require.NoError(t, r.Publish(ctx, "room-a", &presence.Event{
		Type:         presence.EventBroadcast,
		OriginConnId: "c1",
		Payload:      json.RawMessage(`{"event":"pos"}`),
	}))

	select {
	case ev := <-events:
		assert.Equal(t, presence.EventBroadcast, ev.Type)
		assert.Equal(t, "c1", ev.OriginConnId)
		assert.JSONEq(t, `{"event":"pos"}`, string(ev.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-other:
		t.Fatalf("event leaked to another room: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, closeFn())
	_, open := <-events
	assert.False(t, open, "events channel must close after unsubscribe")

	assert.ErrorIs(t, r.Publish(ctx, "room-a", &presence.Event{}), presence.ErrInvalidEvent)
}
