package history

import (
	"context"
	"log/slog"
	"time"

	"mm-relay/internal/metrics"
	"mm-relay/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultQueueSize  = 8192
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	BatchSize  int
	FlushDelay time.Duration
	QueueSize  int
}

// Recorder journals every accepted quote. OnQuote only enqueues; Run writes
// batches of BatchSize quotes or whatever arrived within FlushDelay,
// whichever comes first. A full queue drops the quote and counts it.
type Recorder struct {
	journal model.QuoteJournal
	cfg     RecorderConfig
	in      chan model.Quote
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRecorder(j model.QuoteJournal, cfg RecorderConfig, m *metrics.Metrics, l *slog.Logger) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if l == nil {
		l = slog.Default()
	}
	return &Recorder{
		journal: j,
		cfg:     cfg,
		in:      make(chan model.Quote, cfg.QueueSize),
		metrics: m,
		logger:  l.With("component", "history"),
	}
}

// OnQuote queues q for the journal.
func (r *Recorder) OnQuote(q model.Quote, _ []byte) {
	select {
	case r.in <- q:
	default:
		r.metrics.JournalDrop()
	}
}

// Run blocks until ctx is cancelled, then flushes what is queued.
func (r *Recorder) Run(ctx context.Context) {
	batch := make([]model.Quote, 0, r.cfg.BatchSize)
	timer := time.NewTimer(r.cfg.FlushDelay)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := r.journal.WriteBatch(ctx, batch); err != nil {
			r.logger.Error("journal batch failed", "count", len(batch), "err", err)
		} else {
			r.logger.Debug("journal batch committed", "count", len(batch), "took", time.Since(start))
		}
		r.metrics.ObserveJournalWrite(time.Since(start))
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain with a fresh context so the final batch is not cancelled.
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		drain:
			for {
				select {
				case q := <-r.in:
					batch = append(batch, q)
					if len(batch) >= r.cfg.BatchSize {
						flush(final)
					}
				default:
					break drain
				}
			}
			flush(final)
			cancel()
			return

		case q := <-r.in:
			batch = append(batch, q)
			if len(batch) >= r.cfg.BatchSize {
				flush(ctx)
				timer.Reset(r.cfg.FlushDelay)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(r.cfg.FlushDelay)
		}
	}
}
