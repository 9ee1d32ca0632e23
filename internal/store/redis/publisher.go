package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mm-relay/internal/metrics"
	"mm-relay/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// LatestKey is the hash holding the most recent frame per instrument key,
// field = InstrumentKey.String().
const LatestKey = "quote:latest"

const (
	defaultPublishQueue = 4096
	publishBatchMax     = 256
	retryInterval       = time.Second
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	SnapshotTTL time.Duration // expiry refreshed on the latest hash on every write
	QueueSize   int
	MaxFailures int
	ResetAfter  time.Duration
}

type publishItem struct {
	key   model.InstrumentKey
	frame []byte
}

// Publisher mirrors every accepted quote to Redis: PUBLISH on the key's
// channel and HSET into the latest hash, pipelined per batch. OnQuote never
// blocks; a full queue drops the quote and counts it.
//
// While the circuit breaker is open only the newest frame per key is held,
// and those are written once Redis answers again.
type Publisher struct {
	rdb     *goredis.Client
	cb      *CircuitBreaker
	ttl     time.Duration
	in      chan publishItem
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[model.InstrumentKey][]byte
}

func NewPublisher(rdb *goredis.Client, cfg PublisherConfig, m *metrics.Metrics, l *slog.Logger) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultPublishQueue
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 5 * time.Second
	}
	if l == nil {
		l = slog.Default()
	}
	p := &Publisher{
		rdb:     rdb,
		cb:      NewCircuitBreaker(cfg.MaxFailures, cfg.ResetAfter),
		ttl:     cfg.SnapshotTTL,
		in:      make(chan publishItem, cfg.QueueSize),
		metrics: m,
		logger:  l.With("component", "redis-publisher"),
		pending: make(map[model.InstrumentKey][]byte),
	}
	p.cb.OnStateChange = func(from, to State) {
		m.SetBreakerState(int(to), to == StateOpen)
		p.logger.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
	}
	return p
}

// OnQuote queues q for publishing.
func (p *Publisher) OnQuote(q model.Quote, frame []byte) {
	select {
	case p.in <- publishItem{key: q.Key, frame: frame}:
	default:
		p.metrics.RedisDrop()
	}
}

// Run drains the queue until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	batch := make([]publishItem, 0, publishBatchMax)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.in:
			batch = append(batch[:0], item)
		drain:
			for len(batch) < publishBatchMax {
				select {
				case item := <-p.in:
					batch = append(batch, item)
				default:
					break drain
				}
			}
			p.write(ctx, batch)
		case <-retry.C:
			p.write(ctx, nil)
		}
	}
}

// Pending returns how many keys are waiting for Redis to come back.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Publisher) write(ctx context.Context, batch []publishItem) {
	p.mu.Lock()
	held := p.pending
	if len(held) > 0 {
		p.pending = make(map[model.InstrumentKey][]byte)
	}
	p.mu.Unlock()

	if len(batch) == 0 && len(held) == 0 {
		return
	}

	start := time.Now()
	err := p.cb.Execute(func() error {
		pipe := p.rdb.Pipeline()
		for key, frame := range held {
			p.queue(ctx, pipe, key, frame)
		}
		for _, it := range batch {
			p.queue(ctx, pipe, it.key, it.frame)
		}
		if p.ttl > 0 {
			pipe.Expire(ctx, LatestKey, p.ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	p.metrics.ObserveRedisPublish(time.Since(start))

	if err == nil {
		if len(held) > 0 {
			p.logger.Info("flushed held quotes", "count", len(held))
		}
		return
	}
	if err != ErrCircuitOpen {
		p.logger.Warn("redis publish failed", "batch", len(batch), "err", err)
	}

	p.mu.Lock()
	for key, frame := range held {
		if _, newer := p.pending[key]; !newer {
			p.pending[key] = frame
		}
	}
	for _, it := range batch {
		p.pending[it.key] = it.frame
	}
	p.mu.Unlock()
}

func (p *Publisher) queue(ctx context.Context, pipe goredis.Pipeliner, key model.InstrumentKey, frame []byte) {
	pipe.Publish(ctx, key.Channel(), frame)
	pipe.HSet(ctx, LatestKey, key.String(), frame)
}
