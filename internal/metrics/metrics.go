package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the relay.
// Every method is safe on a nil *Metrics so components can run without them.
type Metrics struct {
	QuotesTotal      *prometheus.CounterVec // labels: result, chain
	DeliveriesTotal  *prometheus.CounterVec // labels: role
	LaggardDrops     *prometheus.CounterVec // labels: role
	ConnectedClients *prometheus.GaugeVec   // labels: role
	MalformedMsgs    *prometheus.CounterVec // labels: role
	QuoteAge         prometheus.Histogram   // quote timestamp → fan-out

	// Upstream feed
	FeedReconnects   prometheus.Counter
	FeedConnected    prometheus.Gauge
	FeedMessages     prometheus.Counter
	FeedDecodeErrors prometheus.Counter

	// Redis publisher
	RedisPublishDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisDropped             prometheus.Counter

	// History journal
	JournalWriteDur prometheus.Histogram
	JournalDropped  prometheus.Counter

	registry prometheus.Gatherer
}

// New registers all collectors on reg. Pass nil to use the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		QuotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_quotes_total",
			Help: "Quotes offered to the cache, by result (accepted|stale) and chain",
		}, []string{"result", "chain"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Quote frames enqueued to subscriber outbound queues",
		}, []string{"role"}),
		LaggardDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_laggard_drops_total",
			Help: "Connections closed because their outbound queue overflowed",
		}, []string{"role"}),
		ConnectedClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Currently connected WebSocket clients",
		}, []string{"role"}),
		MalformedMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_malformed_messages_total",
			Help: "Client control messages ignored as malformed",
		}, []string{"role"}),
		QuoteAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_quote_age_seconds",
			Help:    "Age of a quote when it is fanned out",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_feed_reconnects_total",
			Help: "Upstream feed reconnection attempts",
		}),
		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_feed_connected",
			Help: "Upstream feed connection state (0=down, 1=up)",
		}),
		FeedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_feed_messages_total",
			Help: "Raw messages received from the upstream feed",
		}),
		FeedDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_feed_decode_errors_total",
			Help: "Upstream messages that could not be normalized",
		}),

		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_redis_publish_duration_seconds",
			Help:    "Redis publish + snapshot write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_redis_dropped_total",
			Help: "Quotes not published because the publisher queue was full",
		}),

		JournalWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_journal_write_duration_seconds",
			Help:    "History journal batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_journal_dropped_total",
			Help: "Quotes not journaled because the recorder queue was full",
		}),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	m.registry = prometheus.DefaultGatherer
	if reg != nil {
		registerer = reg
		m.registry = reg
	}

	registerer.MustRegister(
		m.QuotesTotal,
		m.DeliveriesTotal,
		m.LaggardDrops,
		m.ConnectedClients,
		m.MalformedMsgs,
		m.QuoteAge,
		m.FeedReconnects,
		m.FeedConnected,
		m.FeedMessages,
		m.FeedDecodeErrors,
		m.RedisPublishDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisDropped,
		m.JournalWriteDur,
		m.JournalDropped,
	)

	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) QuoteAccepted(chain string) {
	if m == nil {
		return
	}
	m.QuotesTotal.WithLabelValues("accepted", chain).Inc()
}

func (m *Metrics) QuoteStale(chain string) {
	if m == nil {
		return
	}
	m.QuotesTotal.WithLabelValues("stale", chain).Inc()
}

func (m *Metrics) Delivered(role string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DeliveriesTotal.WithLabelValues(role).Add(float64(n))
}

func (m *Metrics) LaggardDropped(role string) {
	if m == nil {
		return
	}
	m.LaggardDrops.WithLabelValues(role).Inc()
}

func (m *Metrics) SetClients(role string, n int) {
	if m == nil {
		return
	}
	m.ConnectedClients.WithLabelValues(role).Set(float64(n))
}

func (m *Metrics) Malformed(role string) {
	if m == nil {
		return
	}
	m.MalformedMsgs.WithLabelValues(role).Inc()
}

func (m *Metrics) ObserveQuoteAge(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.QuoteAge.Observe(d.Seconds())
}

func (m *Metrics) FeedUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.FeedConnected.Set(1)
	} else {
		m.FeedConnected.Set(0)
	}
}

func (m *Metrics) FeedReconnect() {
	if m == nil {
		return
	}
	m.FeedReconnects.Inc()
}

func (m *Metrics) FeedMessage() {
	if m == nil {
		return
	}
	m.FeedMessages.Inc()
}

func (m *Metrics) FeedDecodeError() {
	if m == nil {
		return
	}
	m.FeedDecodeErrors.Inc()
}

func (m *Metrics) ObserveRedisPublish(d time.Duration) {
	if m == nil {
		return
	}
	m.RedisPublishDur.Observe(d.Seconds())
}

func (m *Metrics) SetBreakerState(state int, tripped bool) {
	if m == nil {
		return
	}
	m.RedisCircuitBreakerState.Set(float64(state))
	if tripped {
		m.RedisCircuitBreakerTrips.Inc()
	}
}

func (m *Metrics) RedisDrop() {
	if m == nil {
		return
	}
	m.RedisDropped.Inc()
}

func (m *Metrics) ObserveJournalWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.JournalWriteDur.Observe(d.Seconds())
}

func (m *Metrics) JournalDrop() {
	if m == nil {
		return
	}
	m.JournalDropped.Inc()
}

// Pinger is satisfied by the history journal.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LatencySource reports fan-out latency percentiles in milliseconds.
type LatencySource interface {
	Percentiles() (p50, p95, p99 float64)
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	Mode          string    `json:"mode"`
	FeedConnected bool      `json:"feed_connected"`
	LastQuoteTime time.Time `json:"last_quote_time"`

	// Optional dependencies; a disabled dependency never degrades health.
	RedisEnabled   bool `json:"redis_enabled"`
	RedisConnected bool `json:"redis_connected"`
	JournalEnabled bool `json:"journal_enabled"`
	JournalOK      bool `json:"journal_ok"`

	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	JournalLatencyMs float64   `json:"journal_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`

	// Live gauges filled at request time.
	CachedQuotes func() int    `json:"-"`
	Clients      func() int    `json:"-"`
	Latency      LatencySource `json:"-"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(mode string) *HealthStatus {
	return &HealthStatus{
		Mode:      mode,
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastQuoteTime(t time.Time) {
	h.mu.Lock()
	h.LastQuoteTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckJournal pings the history journal and records latency + health.
func (h *HealthStatus) CheckJournal(ctx context.Context, j Pinger) {
	start := time.Now()
	err := j.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.JournalEnabled = true
	h.JournalOK = err == nil
	h.JournalLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil dependencies are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, journal Pinger, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if journal != nil {
			h.CheckJournal(probeCtx, journal)
		}
	}
	check()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisDown := h.RedisEnabled && !h.RedisConnected
	journalDown := h.JournalEnabled && !h.JournalOK
	if !h.FeedConnected || redisDown || journalDown {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	quoteAge := ""
	if !h.LastQuoteTime.IsZero() {
		quoteAge = time.Since(h.LastQuoteTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status           string  `json:"status"`
		Mode             string  `json:"mode"`
		Uptime           string  `json:"uptime"`
		FeedConnected    bool    `json:"feed_connected"`
		LastQuoteTime    string  `json:"last_quote_time"`
		QuoteAge         string  `json:"quote_age"`
		CachedQuotes     int     `json:"cached_quotes"`
		Clients          int     `json:"clients"`
		RedisEnabled     bool    `json:"redis_enabled"`
		RedisConnected   bool    `json:"redis_connected"`
		RedisLatencyMs   float64 `json:"redis_latency_ms"`
		JournalEnabled   bool    `json:"journal_enabled"`
		JournalOK        bool    `json:"journal_ok"`
		JournalLatencyMs float64 `json:"journal_latency_ms"`
		LatencyP50       float64 `json:"fanout_latency_p50_ms"`
		LatencyP95       float64 `json:"fanout_latency_p95_ms"`
		LatencyP99       float64 `json:"fanout_latency_p99_ms"`
		LastCheckAt      string  `json:"last_check_at"`
	}{
		Status:           overallStatus,
		Mode:             h.Mode,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:    h.FeedConnected,
		LastQuoteTime:    h.LastQuoteTime.Format(time.RFC3339),
		QuoteAge:         quoteAge,
		RedisEnabled:     h.RedisEnabled,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		JournalEnabled:   h.JournalEnabled,
		JournalOK:        h.JournalOK,
		JournalLatencyMs: h.JournalLatencyMs,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}
	if h.CachedQuotes != nil {
		status.CachedQuotes = h.CachedQuotes()
	}
	if h.Clients != nil {
		status.Clients = h.Clients()
	}
	if h.Latency != nil {
		status.LatencyP50, status.LatencyP95, status.LatencyP99 = h.Latency.Percentiles()
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
