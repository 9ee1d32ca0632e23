package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mm-relay/internal/logger"
	"mm-relay/internal/metrics"
	"mm-relay/internal/model"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
)

const (
	feedReadTimeout  = 60 * time.Second
	feedPingPeriod   = 20 * time.Second
	feedWriteWait    = 5 * time.Second
	feedMaxFrameSize = 1 << 20
)

// FeedConfig configures an upstream WebSocket feed.
type FeedConfig struct {
	URL         string
	APIKey      string // sent as "Authorization: Bearer …"
	TOTPSecret  string // when set, a fresh code is sent as "X-TOTP" on every dial
	Instruments []model.InstrumentKey
	Backoff     Backoff
	ReadTimeout time.Duration
}

// Feed keeps one upstream WebSocket connected, reconnecting with exponential
// backoff, and feeds every frame to its Adapter. While disconnected the cache
// keeps serving the last known quotes.
type Feed struct {
	cfg     FeedConfig
	adapter *Adapter
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewFeed(cfg FeedConfig, adapter *Adapter, m *metrics.Metrics, l *slog.Logger) *Feed {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = feedReadTimeout
	}
	if l == nil {
		l = slog.Default()
	}
	return &Feed{
		cfg:     cfg,
		adapter: adapter,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
		},
		metrics: m,
		logger:  l.With("source", adapter.Name(), "url", cfg.URL),
	}
}

// Run blocks until ctx is cancelled. Upstream failures are logged and
// retried; Run only returns an error for configuration problems.
func (f *Feed) Run(ctx context.Context) error {
	if f.cfg.URL == "" {
		return errors.New("feed: empty url")
	}

	attempt := 0
	for {
		sessionCtx := logger.WithSession(ctx, logger.NewSessionID(f.adapter.Name(), attempt, time.Now()))
		received, err := f.session(sessionCtx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			attempt = 0
		}

		delay := f.cfg.Backoff.Delay(attempt)
		attempt++
		f.metrics.FeedReconnect()
		f.logger.Warn("upstream disconnected, retrying",
			append(logger.LogWithSession(sessionCtx), "err", err, "attempt", attempt, "backoff", delay)...)

		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// session runs one connection. received reports whether any frame arrived,
// which resets the backoff.
func (f *Feed) session(ctx context.Context) (received bool, err error) {
	header, err := f.authHeader()
	if err != nil {
		return false, err
	}

	conn, resp, err := f.dialer.DialContext(ctx, f.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %w (status %s)", err, resp.Status)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.adapter.Connected(true)
	defer f.adapter.Connected(false)
	f.logger.Info("upstream connected", logger.LogWithSession(ctx)...)

	for _, frame := range f.adapter.SubscribeFrames(f.cfg.Instruments) {
		conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
	}

	conn.SetReadLimit(feedMaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go f.keepalive(ctx, conn, done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("read: %w", err)
		}
		received = true
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		f.adapter.Handle(ctx, msg)
	}
}

// keepalive pings the upstream and closes the connection when ctx ends.
// WriteControl is safe to call concurrently with the reader.
func (f *Feed) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (f *Feed) authHeader() (http.Header, error) {
	h := http.Header{}
	if f.cfg.APIKey != "" {
		h.Set("Authorization", "Bearer "+f.cfg.APIKey)
	}
	if f.cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(f.cfg.TOTPSecret, time.Now())
		if err != nil {
			return nil, fmt.Errorf("totp: %w", err)
		}
		h.Set("X-TOTP", code)
	}
	return h, nil
}
