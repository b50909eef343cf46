package collab

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type options struct {
	logger           *slog.Logger
	initialInterval  time.Duration
	maxInterval      time.Duration
	orderedPositions bool
}

func defaultOptions() options {
	return options{
		logger:          slog.Default(),
		initialInterval: 250 * time.Millisecond,
		maxInterval:     10 * time.Second,
	}
}

// newBackOff retries forever; only Close stops it.
func (o options) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.initialInterval
	b.MaxInterval = o.maxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBackoff sets the first and the largest delay between subscribe attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.initialInterval = initial
		o.maxInterval = max
	}
}

// WithOrderedPositions drops position messages that are older than the last
// one applied for the same sender session.
func WithOrderedPositions() Option {
	return func(o *options) {
		o.orderedPositions = true
	}
}
