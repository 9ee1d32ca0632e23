package source

import (
	"context"
	"log/slog"
	"time"

	"mm-relay/internal/chains"
	"mm-relay/internal/logger"
	"mm-relay/internal/metrics"
	"mm-relay/internal/model"
	"mm-relay/internal/quotecache"
)

// Sink accepts normalized quotes. The gateway Broadcaster is the production
// sink.
type Sink interface {
	Publish(q model.Quote) quotecache.Result
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(q model.Quote) quotecache.Result

func (f SinkFunc) Publish(q model.Quote) quotecache.Result { return f(q) }

// Status receives feed liveness updates. *metrics.HealthStatus satisfies it.
type Status interface {
	SetFeedConnected(bool)
	SetLastQuoteTime(time.Time)
}

// Adapter decodes upstream frames, sequences them locally and hands them to
// the sink. Transports (Feed, the Redis subscriber) call Handle per frame.
type Adapter struct {
	name    string
	dec     Decoder
	norm    *Normalizer
	sink    Sink
	metrics *metrics.Metrics
	status  Status
	logger  *slog.Logger
}

// AdapterConfig wires an Adapter.
type AdapterConfig struct {
	Name       string // used in logs and session ids
	Decoder    Decoder
	Normalizer *Normalizer
	Sink       Sink
	Metrics    *metrics.Metrics
	Status     Status
	Logger     *slog.Logger
}

func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		name:    cfg.Name,
		dec:     cfg.Decoder,
		norm:    cfg.Normalizer,
		sink:    cfg.Sink,
		metrics: cfg.Metrics,
		status:  cfg.Status,
		logger:  cfg.Logger.With("source", cfg.Name),
	}
}

// Name identifies the source.
func (a *Adapter) Name() string { return a.name }

// SubscribeFrames returns the frames announcing interest in keys.
func (a *Adapter) SubscribeFrames(keys []model.InstrumentKey) [][]byte {
	return a.dec.SubscribeFrames(keys)
}

// Connected records an upstream session start or end. A new session resets
// decoder state.
func (a *Adapter) Connected(up bool) {
	if up {
		a.dec.Reset()
	}
	a.metrics.FeedUp(up)
	if a.status != nil {
		a.status.SetFeedConnected(up)
	}
}

// Handle processes one upstream frame and returns how many quotes the cache
// accepted. Bad frames are counted and logged, never fatal.
func (a *Adapter) Handle(ctx context.Context, data []byte) int {
	a.metrics.FeedMessage()

	updates, err := a.dec.Decode(data)
	if err != nil {
		a.metrics.FeedDecodeError()
		a.logger.Debug("upstream frame rejected", append(logger.LogWithSession(ctx), "err", err)...)
	}

	accepted := 0
	for _, u := range updates {
		q := a.norm.Normalize(u)
		if err := q.Validate(); err != nil {
			a.metrics.FeedDecodeError()
			a.logger.Debug("invalid quote dropped", append(logger.LogWithSession(ctx), "err", err)...)
			continue
		}
		if a.sink.Publish(q) == quotecache.Accepted {
			accepted++
		}
	}
	if accepted > 0 && a.status != nil {
		a.status.SetLastQuoteTime(time.Now())
	}
	if accepted > 0 {
		a.logger.Debug("upstream quotes accepted",
			append(logger.LogWithSession(ctx), "n", accepted, "chain", chains.Label(updates[0].Key.ChainID))...)
	}
	return accepted
}
