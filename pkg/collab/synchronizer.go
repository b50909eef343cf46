// Package collab keeps a live view of the other participants in a lab room
// and announces the local participant's position to them.
//
// Presence snapshots decide who is in the room. Position broadcasts only move
// participants around and never remove them.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

const (
	PositionEvent = "pos"
	topicPrefix   = "room-"
)

var ErrMissingTransport = errors.New("transport is required")

type Config struct {
	RoomId    string
	LocalId   string
	LocalName string
}

func Topic(roomId string) string {
	return topicPrefix + roomId
}

type Synchronizer struct {
	transport Transport
	cfg       Config
	opts      options
	color     string
	session   string
	seq       atomic.Uint64

	mu      sync.RWMutex
	peers   map[string]Participant
	lastSeq map[string]senderSeq
	channel Channel
	pending Channel
	closed  bool

	cancel    context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once
}

type senderSeq struct {
	session string
	seq     uint64
}

// New starts synchronizing cfg.RoomId in the background and returns
// immediately. With an empty room or local id the returned synchronizer is
// inert: Peers is empty and BroadcastPosition does nothing.
func New(transport Transport, cfg Config, opts ...Option) (*Synchronizer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Synchronizer{
		transport: transport,
		cfg:       cfg,
		opts:      o,
		color:     randomColor(),
		session:   uuid.NewString(),
		peers:     make(map[string]Participant),
		lastSeq:   make(map[string]senderSeq),
		stopped:   make(chan struct{}),
	}

	if cfg.RoomId == "" || cfg.LocalId == "" {
		s.opts.logger.Debug("collab: no room or identity, not subscribing",
			"room_id", cfg.RoomId,
			"local_id", cfg.LocalId,
		)
		close(s.stopped)
		return s, nil
	}

	if transport == nil {
		return nil, ErrMissingTransport
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.run(ctx)

	return s, nil
}

// Color is the display color announced for the local participant.
func (s *Synchronizer) Color() string {
	return s.color
}

// Peers returns a copy of the remote participants keyed by id.
func (s *Synchronizer) Peers() map[string]Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.peers)
}

// Connected reports whether a subscription is currently active.
func (s *Synchronizer) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.channel != nil
}

// BroadcastPosition announces the local position to the room. It never
// blocks and never fails: before the subscription is active or after Close
// the position is dropped.
func (s *Synchronizer) BroadcastPosition(x, y, z float64) {
	s.mu.RLock()
	ch := s.channel
	s.mu.RUnlock()

	if ch == nil {
		return
	}

	msg := PositionMessage{
		UserId:  s.cfg.LocalId,
		Session: s.session,
		Seq:     s.seq.Add(1),
		X:       x,
		Y:       y,
		Z:       z,
	}
	if err := ch.Send(PositionEvent, &msg); err != nil {
		s.opts.logger.Debug("collab: position dropped", "error", err)
	}
}

// Close releases the subscription and empties the peer set. It is safe to
// call more than once.
func (s *Synchronizer) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ch := s.channel
		s.channel = nil
		s.peers = make(map[string]Participant)
		s.lastSeq = make(map[string]senderSeq)
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		if ch != nil {
			ch.Close()
		}
	})

	<-s.stopped
	return nil
}

func (s *Synchronizer) run(ctx context.Context) {
	defer close(s.stopped)

	for {
		ch, err := s.subscribe(ctx)
		if err != nil {
			return
		}

		if !s.activate(ch) {
			ch.Close()
			return
		}

		select {
		case <-ctx.Done():
			ch.Close()
			return
		case <-ch.Done():
			s.opts.logger.Warn("collab: subscription lost",
				"topic", Topic(s.cfg.RoomId),
				"error", ch.Err(),
			)
			s.deactivate(ch)
		}
	}
}

func (s *Synchronizer) subscribe(ctx context.Context) (Channel, error) {
	topic := Topic(s.cfg.RoomId)
	var ch Channel

	operation := func() error {
		c := s.transport.Channel(topic, s.cfg.LocalId)
		s.setPending(c)
		c.OnPresenceSync(func(state PresenceState) {
			s.handlePresenceSync(c, state)
		})
		c.OnBroadcast(PositionEvent, func(payload json.RawMessage) {
			s.handlePosition(c, payload)
		})

		if err := c.Subscribe(ctx); err != nil {
			s.abandon(c)
			c.Close()
			return err
		}

		if err := c.Track(ctx, &Meta{Name: s.cfg.LocalName, Color: s.color}); err != nil {
			s.abandon(c)
			c.Close()
			return err
		}

		ch = c
		return nil
	}

	b := s.opts.newBackOff()
	notify := func(err error, next time.Duration) {
		s.opts.logger.Warn("collab: subscribe failed",
			"topic", topic,
			"error", err,
			"retry_in", next,
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}

	return ch, nil
}

func (s *Synchronizer) activate(ch Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.channel = ch
	s.pending = nil
	s.opts.logger.Debug("collab: subscribed", "topic", Topic(s.cfg.RoomId))
	return true
}

func (s *Synchronizer) deactivate(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == ch {
		s.channel = nil
	}
	s.peers = make(map[string]Participant)
	s.lastSeq = make(map[string]senderSeq)
}

func (s *Synchronizer) setPending(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = ch
}

// abandon forgets a failed attempt together with whatever its events applied.
func (s *Synchronizer) abandon(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != ch {
		return
	}
	s.pending = nil

	if s.channel == nil {
		s.peers = make(map[string]Participant)
		s.lastSeq = make(map[string]senderSeq)
	}
}

// current reports whether events from ch may still change state. Events can
// arrive before activate, so the pending channel is accepted too.
func (s *Synchronizer) current(ch Channel) bool {
	if s.closed {
		return false
	}
	if s.channel != nil {
		return s.channel == ch
	}
	return s.pending == ch
}

func (s *Synchronizer) handlePresenceSync(ch Channel, state PresenceState) {
	peers := make(map[string]Participant, len(state))
	for key, raw := range state {
		if key == s.cfg.LocalId {
			continue
		}
		peers[key] = participantFromMeta(key, raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current(ch) {
		return
	}
	s.peers = peers
}

func (s *Synchronizer) handlePosition(ch Channel, payload json.RawMessage) {
	var msg PositionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.opts.logger.Debug("collab: bad position message", "error", err)
		return
	}

	if msg.UserId == "" || msg.UserId == s.cfg.LocalId {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current(ch) {
		return
	}

	if s.opts.orderedPositions && msg.Seq > 0 {
		last, ok := s.lastSeq[msg.UserId]
		if ok && last.session == msg.Session && msg.Seq <= last.seq {
			return
		}
		s.lastSeq[msg.UserId] = senderSeq{session: msg.Session, seq: msg.Seq}
	}

	p, ok := s.peers[msg.UserId]
	if !ok {
		p = Participant{Id: msg.UserId, Name: DefaultName, Color: DefaultColor}
	}
	p.Position = Position{X: msg.X, Y: msg.Y, Z: msg.Z}
	s.peers[msg.UserId] = p
}
