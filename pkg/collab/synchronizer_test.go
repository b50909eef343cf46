package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	channels []*fakeChannel
	failures int

	trackFailures int
	initial       map[string]string
}

func (t *fakeTransport) Channel(topic, presenceKey string) Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := &fakeChannel{
		topic:       topic,
		key:         presenceKey,
		onBroadcast: make(map[string]func(json.RawMessage)),
		done:        make(chan struct{}),
		initial:     t.initial,
	}
	if t.failures > 0 {
		t.failures--
		ch.subscribeErr = errors.New("connection refused")
	}
	if t.trackFailures > 0 {
		t.trackFailures--
		ch.trackErr = errors.New("connection reset")
	}
	t.channels = append(t.channels, ch)

	return ch
}

func (t *fakeTransport) all() []*fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*fakeChannel(nil), t.channels...)
}

func (t *fakeTransport) last() *fakeChannel {
	chs := t.all()
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

type fakeChannel struct {
	topic        string
	key          string
	subscribeErr error
	trackErr     error
	initial      map[string]string

	mu          sync.Mutex
	onSync      func(PresenceState)
	onBroadcast map[string]func(json.RawMessage)
	tracked     []any
	sent        []json.RawMessage
	closes      int
	done        chan struct{}
	doneOnce    sync.Once
}

func (c *fakeChannel) OnPresenceSync(handler func(PresenceState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSync = handler
}

func (c *fakeChannel) OnBroadcast(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBroadcast[event] = handler
}

func (c *fakeChannel) Subscribe(_ context.Context) error {
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	if c.initial != nil {
		c.sync(c.initial)
	}
	return nil
}

func (c *fakeChannel) Track(_ context.Context, meta any) error {
	if c.trackErr != nil {
		return c.trackErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, meta)
	return nil
}

func (c *fakeChannel) Send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sent = append(c.sent, raw)
	c.mu.Unlock()

	// echo back like a backend configured to deliver to the sender
	c.broadcast(event, raw)
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }
func (c *fakeChannel) Err() error            { return nil }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) sync(state map[string]string) {
	c.mu.Lock()
	h := c.onSync
	c.mu.Unlock()

	ps := make(PresenceState, len(state))
	for k, v := range state {
		ps[k] = json.RawMessage(v)
	}
	h(ps)
}

func (c *fakeChannel) broadcast(event string, payload json.RawMessage) {
	c.mu.Lock()
	h := c.onBroadcast[event]
	c.mu.Unlock()

	if h != nil {
		h(payload)
	}
}

func (c *fakeChannel) position(userId string, x, y, z float64) {
	raw, _ := json.Marshal(PositionMessage{UserId: userId, X: x, Y: y, Z: z})
	c.broadcast(PositionEvent, raw)
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestSynchronizer(t *testing.T, opts ...Option) (*Synchronizer, *fakeTransport, *fakeChannel) {
	t.Helper()
	tr := &fakeTransport{}
	opts = append([]Option{WithBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	s, err := New(tr, Config{RoomId: "exp-1", LocalId: "me", LocalName: "Me"}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.Eventually(t, s.Connected, time.Second, time.Millisecond, "synchronizer did not subscribe")
	return s, tr, tr.last()
}

func TestSubscribeAndTrack(t *testing.T) {
	s, tr, ch := newTestSynchronizer(t)

	require.Len(t, tr.all(), 1, "exactly one subscription")
	assert.Equal(t, "room-exp-1", ch.topic)
	assert.Equal(t, "me", ch.key)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.tracked, 1)
	meta := ch.tracked[0].(*Meta)
	assert.Equal(t, "Me", meta.Name)
	assert.Equal(t, s.Color(), meta.Color)
	assert.Regexp(t, `^#[0-9a-f]{6}$`, meta.Color)
	assert.Zero(t, meta.X)
	assert.Zero(t, meta.Y)
	assert.Zero(t, meta.Z)
}

func TestEmptyRoomOrIdentityIsInert(t *testing.T) {
	for _, cfg := range []Config{
		{RoomId: "", LocalId: "me"},
		{RoomId: "exp-1", LocalId: ""},
	} {
		tr := &fakeTransport{}
		s, err := New(tr, cfg)
		require.NoError(t, err)

		s.BroadcastPosition(1, 2, 3)
		assert.Empty(t, s.Peers())
		assert.False(t, s.Connected())
		assert.Empty(t, tr.all(), "no subscription must be opened")
		assert.NoError(t, s.Close())
	}
}

func TestMissingTransport(t *testing.T) {
	_, err := New(nil, Config{RoomId: "exp-1", LocalId: "me"})
	assert.ErrorIs(t, err, ErrMissingTransport)
}

func TestPresenceSyncExcludesSelf(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)

	ch.sync(map[string]string{
		"me": `{"name":"Me","color":"#000000","x":1,"y":1,"z":1}`,
		"p1": `{"name":"Alice","color":"#abc","x":1,"y":2,"z":3}`,
	})

	peers := s.Peers()
	assert.NotContains(t, peers, "me")
	require.Contains(t, peers, "p1")
	assert.Equal(t, Participant{
		Id:       "p1",
		Name:     "Alice",
		Color:    "#abc",
		Position: Position{X: 1, Y: 2, Z: 3},
	}, peers["p1"])
}

func TestPresenceSyncReplacesSnapshot(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)

	ch.sync(map[string]string{
		"p1": `{"name":"Alice","color":"#111111"}`,
		"p2": `{"name":"Bob","color":"#222222"}`,
	})
	require.Len(t, s.Peers(), 2)

	ch.sync(map[string]string{
		"p2": `{"name":"Bobby","color":"#333333"}`,
		"p3": `{"name":"Carol","color":"#444444"}`,
	})

	peers := s.Peers()
	assert.Len(t, peers, 2)
	assert.NotContains(t, peers, "p1")
	assert.Equal(t, "Bobby", peers["p2"].Name)
	assert.Equal(t, "#333333", peers["p2"].Color)
	assert.Equal(t, "Carol", peers["p3"].Name)
}

func TestPresenceSyncDefaultsMalformedEntries(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)

	ch.sync(map[string]string{
		"empty":   `{}`,
		"partial": `{"name":"Dana"}`,
		"typed":   `{"name":42,"color":"#abcdef","x":"far","y":2}`,
		"garbage": `not json`,
		"null":    `null`,
	})

	peers := s.Peers()
	require.Len(t, peers, 5)

	assert.Equal(t, Participant{Id: "empty", Name: DefaultName, Color: DefaultColor}, peers["empty"])
	assert.Equal(t, Participant{Id: "partial", Name: "Dana", Color: DefaultColor}, peers["partial"])
	assert.Equal(t, Participant{Id: "typed", Name: DefaultName, Color: "#abcdef", Position: Position{Y: 2}}, peers["typed"])
	assert.Equal(t, Participant{Id: "garbage", Name: DefaultName, Color: DefaultColor}, peers["garbage"])
	assert.Equal(t, Participant{Id: "null", Name: DefaultName, Color: DefaultColor}, peers["null"])
}

func TestBroadcastMergesPositionOnly(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)

	ch.sync(map[string]string{"p1": `{"name":"Alice","color":"#abc","x":0,"y":0,"z":0}`})
	ch.position("p1", 5, 5, 0)

	assert.Equal(t, Participant{
		Id:       "p1",
		Name:     "Alice",
		Color:    "#abc",
		Position: Position{X: 5, Y: 5, Z: 0},
	}, s.Peers()["p1"])
}

func TestBroadcastFromUnknownSenderCreatesStub(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)

	ch.position("ghost", 7, 8, 9)

	assert.Equal(t, Participant{
		Id:       "ghost",
		Name:     DefaultName,
		Color:    DefaultColor,
		Position: Position{X: 7, Y: 8, Z: 9},
	}, s.Peers()["ghost"])

	// a later snapshot is still authoritative for existence
	ch.sync(map[string]string{"p1": `{"name":"Alice"}`})
	assert.NotContains(t, s.Peers(), "ghost")
}

func TestBroadcastIgnoresMalformedPayload(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)

	ch.broadcast(PositionEvent, json.RawMessage(`{"userId":`))
	ch.broadcast(PositionEvent, json.RawMessage(`{"x":1}`))

	assert.Empty(t, s.Peers())
}

func TestNoSelfBroadcastEcho(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)

	s.BroadcastPosition(1, 2, 3)

	assert.Equal(t, 1, ch.sentCount())
	assert.NotContains(t, s.Peers(), "me")

	var msg PositionMessage
	ch.mu.Lock()
	require.NoError(t, json.Unmarshal(ch.sent[0], &msg))
	ch.mu.Unlock()
	assert.Equal(t, "me", msg.UserId)
	assert.Equal(t, Position{X: 1, Y: 2, Z: 3}, Position{X: msg.X, Y: msg.Y, Z: msg.Z})
	assert.EqualValues(t, 1, msg.Seq)
}

func TestBroadcastPositionDoesNotBlock(t *testing.T) {
	tr := &blockingTransport{release: make(chan struct{})}
	s, err := New(tr, Config{RoomId: "exp-1", LocalId: "me"})
	require.NoError(t, err)

	start := time.Now()
	s.BroadcastPosition(1, 2, 3)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(tr.release)
	require.NoError(t, s.Close())
}

type blockingTransport struct {
	release chan struct{}
}

func (t *blockingTransport) Channel(_, _ string) Channel {
	return &blockingChannel{fakeChannel: fakeChannel{
		onBroadcast: make(map[string]func(json.RawMessage)),
		done:        make(chan struct{}),
	}, release: t.release}
}

type blockingChannel struct {
	fakeChannel
	release chan struct{}
}

func (c *blockingChannel) Subscribe(ctx context.Context) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)

	ch.sync(map[string]string{"p1": `{"name":"Alice"}`})
	require.Len(t, s.Peers(), 1)

	assert.NoError(t, s.Close())
	assert.Empty(t, s.Peers())
	assert.NoError(t, s.Close())
	assert.Empty(t, s.Peers())
	assert.False(t, s.Connected())

	ch.mu.Lock()
	assert.GreaterOrEqual(t, ch.closes, 1)
	ch.mu.Unlock()
}

func TestUseAfterClose(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)
	require.NoError(t, s.Close())

	assert.NotPanics(t, func() {
		s.BroadcastPosition(1, 1, 1)
	})
	assert.Equal(t, 0, ch.sentCount())

	ch.sync(map[string]string{"p1": `{"name":"Alice"}`})
	ch.position("p2", 1, 1, 1)
	assert.Empty(t, s.Peers(), "events after teardown must not resurrect state")
}

func TestPeersIsACopy(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)
	ch.sync(map[string]string{"p1": `{"name":"Alice"}`})

	peers := s.Peers()
	peers["p1"] = Participant{Id: "p1", Name: "Mallory"}
	delete(peers, "p1")

	assert.Equal(t, "Alice", s.Peers()["p1"].Name)
}

func TestSubscribeRetriesWithBackoff(t *testing.T) {
	tr := &fakeTransport{failures: 3}
	s, err := New(tr, Config{RoomId: "exp-1", LocalId: "me"}, WithBackoff(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, s.Connected, time.Second, time.Millisecond)
	chs := tr.all()
	require.Len(t, chs, 4)
	for _, ch := range chs[:3] {
		ch.mu.Lock()
		assert.Equal(t, 1, ch.closes, "failed attempts must be released")
		ch.mu.Unlock()
	}
}

func TestResubscribeAfterChannelLoss(t *testing.T) {
	s, tr, ch := newTestSynchronizer(t)
	ch.sync(map[string]string{"p1": `{"name":"Alice"}`})

	ch.Close()

	require.Eventually(t, func() bool {
		return len(tr.all()) == 2 && s.Connected()
	}, time.Second, time.Millisecond)

	next := tr.last()
	assert.Empty(t, s.Peers(), "peers from the lost channel must be cleared")

	ch.sync(map[string]string{"stale": `{}`})
	assert.Empty(t, s.Peers(), "the old channel must no longer change state")

	next.sync(map[string]string{"p2": `{"name":"Bob"}`})
	assert.Contains(t, s.Peers(), "p2")
}

func TestFailedTrackDiscardsSnapshot(t *testing.T) {
	tr := &fakeTransport{
		trackFailures: 1,
		initial:       map[string]string{"ghost": `{"name":"Ghost"}`},
	}
	s, err := New(tr, Config{RoomId: "exp-1", LocalId: "me"}, WithBackoff(time.Hour, time.Hour))
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		ch := tr.last()
		if ch == nil {
			return false
		}
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.closes == 1
	}, time.Second, time.Millisecond)

	assert.False(t, s.Connected())
	assert.Empty(t, s.Peers(), "a failed attempt must not leave its snapshot behind")

	tr.last().sync(map[string]string{"late": `{}`})
	assert.Empty(t, s.Peers(), "the failed channel must no longer change state")
}

func TestOrderedPositionsDropsStaleMessages(t *testing.T) {
	s, _, ch := newTestSynchronizer(t, WithOrderedPositions())

	send := func(session string, seq uint64, x float64) {
		raw, _ := json.Marshal(PositionMessage{UserId: "p1", Session: session, Seq: seq, X: x})
		ch.broadcast(PositionEvent, raw)
	}

	send("a", 2, 2)
	send("a", 1, 1)
	assert.Equal(t, 2.0, s.Peers()["p1"].Position.X)

	send("a", 3, 3)
	assert.Equal(t, 3.0, s.Peers()["p1"].Position.X)

	// a reconnected sender restarts its sequence
	send("b", 1, 10)
	assert.Equal(t, 10.0, s.Peers()["p1"].Position.X)
}

func TestLastWriteWinsByDefault(t *testing.T) {
	s, _, ch := newTestSynchronizer(t)

	for _, m := range []PositionMessage{
		{UserId: "p1", Session: "a", Seq: 2, X: 2},
		{UserId: "p1", Session: "a", Seq: 1, X: 1},
	} {
		raw, _ := json.Marshal(m)
		ch.broadcast(PositionEvent, raw)
	}

	assert.Equal(t, 1.0, s.Peers()["p1"].Position.X)
}
