package gateway

import (
	"log/slog"
	"time"

	"mm-relay/internal/chains"
	"mm-relay/internal/metrics"
	"mm-relay/internal/model"
	"mm-relay/internal/quotecache"
)

// Listener receives every accepted quote together with its pre-built wire
// frame. OnQuote runs while the quote's key is locked in the cache and must
// only enqueue; it must never block on I/O.
type Listener interface {
	OnQuote(q model.Quote, frame []byte)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(q model.Quote, frame []byte)

func (f ListenerFunc) OnQuote(q model.Quote, frame []byte) { f(q, frame) }

// Broadcaster is the single write path into the cache: it upserts a quote and,
// only if the cache accepted it, fans it out to every listener.
type Broadcaster struct {
	cache     *quotecache.Cache
	listeners []Listener
	metrics   *metrics.Metrics
	logger    *slog.Logger
	latency   *LatencyTracker
	now       func() time.Time
}

// NewBroadcaster creates a Broadcaster over cache.
func NewBroadcaster(cache *quotecache.Cache, m *metrics.Metrics, logger *slog.Logger, listeners ...Listener) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		cache:     cache,
		listeners: listeners,
		metrics:   m,
		logger:    logger,
		latency:   NewLatencyTracker(10000),
		now:       time.Now,
	}
}

// Latency exposes quote-age-at-fan-out percentiles.
func (b *Broadcaster) Latency() *LatencyTracker { return b.latency }

// Publish offers q to the cache. Stale quotes are logged and counted, never
// fanned out, and never reported as errors.
func (b *Broadcaster) Publish(q model.Quote) quotecache.Result {
	res, cur := b.cache.UpsertFunc(q, b.fanOut)

	chain := chains.Label(q.Key.ChainID)
	if res == quotecache.Stale {
		b.metrics.QuoteStale(chain)
		b.logger.Debug("stale quote ignored",
			"key", q.Key.String(),
			"seq", q.Sequence,
			"cached_seq", cur.Sequence)
		return res
	}
	b.metrics.QuoteAccepted(chain)
	return res
}

func (b *Broadcaster) fanOut(q model.Quote) {
	age := b.now().Sub(q.Timestamp)
	b.latency.Observe(age)
	b.metrics.ObserveQuoteAge(age)

	frame := q.JSON()
	for _, l := range b.listeners {
		l.OnQuote(q, frame)
	}
}
