package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mm-relay/internal/logger"
	"mm-relay/internal/model"
	"mm-relay/internal/source"

	goredis "github.com/go-redis/redis/v8"
)

// QuotePattern matches every per-instrument quote channel.
const QuotePattern = model.QuoteChannelPrefix + "*"

// Subscriber is the relay's Redis source: it PSUBSCRIBEs to the quote
// channels and hands each payload to the adapter. Once subscribed, go-redis
// reconnects the pub/sub connection itself; failures to subscribe are retried
// with Backoff.
type Subscriber struct {
	rdb     *goredis.Client
	adapter *source.Adapter
	pattern string
	logger  *slog.Logger

	Backoff source.Backoff
}

func NewSubscriber(rdb *goredis.Client, adapter *source.Adapter, l *slog.Logger) *Subscriber {
	if l == nil {
		l = slog.Default()
	}
	return &Subscriber{
		rdb:     rdb,
		adapter: adapter,
		pattern: QuotePattern,
		logger:  l.With("component", "redis-subscriber"),
		Backoff: source.DefaultBackoff,
	}
}

// Run blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	attempt := 0
	for {
		received, err := s.session(ctx, attempt)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			attempt = 0
		}

		delay := s.Backoff.Delay(attempt)
		attempt++
		s.logger.Warn("redis subscription lost, retrying", "err", err, "attempt", attempt, "backoff", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Subscriber) session(ctx context.Context, attempt int) (received bool, err error) {
	pubsub := s.rdb.PSubscribe(ctx, s.pattern)
	defer pubsub.Close()

	// Wait for the subscription confirmation so "connected" means something.
	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("psubscribe %s: %w", s.pattern, err)
	}

	ctx = logger.WithSession(ctx, logger.NewSessionID(s.adapter.Name(), attempt, time.Now()))
	s.adapter.Connected(true)
	defer s.adapter.Connected(false)
	s.logger.Info("subscribed", append(logger.LogWithSession(ctx), "pattern", s.pattern)...)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return received, errors.New("pubsub channel closed")
			}
			received = true
			s.adapter.Handle(ctx, []byte(msg.Payload))
		}
	}
}
