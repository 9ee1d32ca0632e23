// Package app assembles the relay for one deployment mode and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"mm-relay/config"
	"mm-relay/internal/api"
	"mm-relay/internal/gateway"
	"mm-relay/internal/history"
	"mm-relay/internal/metrics"
	"mm-relay/internal/model"
	"mm-relay/internal/quotecache"
	"mm-relay/internal/registry"
	"mm-relay/internal/source"
	redisstore "mm-relay/internal/store/redis"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 5 * time.Second
	livenessInterval = 10 * time.Second
)

// Service wires every component for the configured mode and owns their
// lifecycle.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	prom   *metrics.Metrics
	health *metrics.HealthStatus

	cache       *quotecache.Cache
	registry    *registry.Registry
	hub         *gateway.Hub // nil in bebop mode
	broadcaster *gateway.Broadcaster
	adapter     *source.Adapter

	rdb        *goredis.Client
	publisher  *redisstore.Publisher
	subscriber *redisstore.Subscriber
	feed       *source.Feed
	journal    model.QuoteJournal
	recorder   *history.Recorder

	servers []*portServer
}

// portServer is one listener and the roles it serves.
type portServer struct {
	port  int
	roles []config.Role
	srv   *http.Server
	ln    net.Listener
}

// New builds the service. It connects to Redis and the journal when the
// configuration asks for them and warms the cache from Redis.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		cfg:      cfg,
		logger:   logger,
		health:   metrics.NewHealthStatus(string(cfg.Mode)),
		cache:    quotecache.New(cfg.CacheShards),
		registry: registry.New(),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc.prom = metrics.New(reg)

	if err := svc.connect(ctx); err != nil {
		svc.shutdown()
		return nil, err
	}

	var listeners []gateway.Listener
	switch cfg.Mode {
	case config.ModeDirect:
		svc.hub = gateway.NewHub(gateway.HubConfig{Role: "pricing", QueueDepth: cfg.OutboundQueueDepth},
			svc.cache, svc.registry, svc.prom, logger)
	case config.ModeRelay:
		svc.hub = gateway.NewHub(gateway.HubConfig{Role: "relay", QueueDepth: cfg.OutboundQueueDepth},
			svc.cache, svc.registry, svc.prom, logger)
	case config.ModeBebop:
		svc.publisher = redisstore.NewPublisher(svc.rdb, redisstore.PublisherConfig{SnapshotTTL: cfg.SnapshotTTL}, svc.prom, logger)
		listeners = append(listeners, svc.publisher)
	}
	if svc.hub != nil {
		listeners = append(listeners, svc.hub)
	}
	if svc.journal != nil {
		svc.recorder = history.NewRecorder(svc.journal, history.RecorderConfig{}, svc.prom, logger)
		listeners = append(listeners, svc.recorder)
	}
	svc.broadcaster = gateway.NewBroadcaster(svc.cache, svc.prom, logger, listeners...)

	if err := svc.buildSource(); err != nil {
		svc.shutdown()
		return nil, err
	}

	svc.health.CachedQuotes = svc.cache.Len
	svc.health.Latency = svc.broadcaster.Latency()
	if svc.hub != nil {
		svc.health.Clients = svc.hub.ClientCount
	}

	svc.buildServers()
	return svc, nil
}

func (svc *Service) connect(ctx context.Context) error {
	cfg := svc.cfg
	if cfg.Mode == config.ModeBebop || cfg.Source == config.SourceRedis {
		rdb, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		svc.rdb = rdb

		n, err := redisstore.LoadLatest(ctx, rdb, func(q model.Quote) { svc.cache.Upsert(q) })
		if err != nil {
			svc.logger.Warn("cache warm-up failed", "err", err)
		} else {
			svc.logger.Info("cache warmed from redis", "quotes", n)
		}
	}

	if cfg.HistoryDSN != "" {
		j, err := history.Open(ctx, cfg.HistoryDSN)
		if err != nil {
			return err
		}
		svc.journal = j
	}
	return nil
}

func (svc *Service) buildSource() error {
	cfg := svc.cfg

	format := cfg.SourceFormat
	if cfg.Source == config.SourceRedis {
		format = config.FormatRelay
	}
	dec, err := source.NewDecoder(format)
	if err != nil {
		return err
	}
	svc.adapter = source.NewAdapter(source.AdapterConfig{
		Name:       cfg.Source + ":" + format,
		Decoder:    dec,
		Normalizer: source.NewNormalizer(svc.cache),
		Sink:       svc.broadcaster,
		Metrics:    svc.prom,
		Status:     svc.health,
		Logger:     svc.logger,
	})

	switch cfg.Source {
	case config.SourceRedis:
		svc.subscriber = redisstore.NewSubscriber(svc.rdb, svc.adapter, svc.logger)
		svc.subscriber.Backoff = source.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax}
	case config.SourceWS:
		for _, w := range cfg.Warnings() {
			svc.logger.Warn(w)
		}
		keys, err := cfg.ParseInstruments()
		if err != nil {
			return err
		}
		svc.feed = source.NewFeed(source.FeedConfig{
			URL:         cfg.SourceURL,
			APIKey:      cfg.SourceAPIKey,
			TOTPSecret:  cfg.SourceTOTPSecret,
			Instruments: keys,
			Backoff:     source.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		}, svc.adapter, svc.prom, svc.logger)
	default:
		return fmt.Errorf("unknown source %q", cfg.Source)
	}
	return nil
}

// buildServers groups roles by resolved port; roles sharing a port share
// one listener and one mux.
func (svc *Service) buildServers() {
	byPort := make(map[int][]config.Role)
	for _, role := range svc.cfg.Roles() {
		p := svc.cfg.ResolvePort(role)
		byPort[p] = append(byPort[p], role)
	}
	ports := make([]int, 0, len(byPort))
	for p := range byPort {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	for _, port := range ports {
		roles := byPort[port]
		servesHTTP := false
		for _, r := range roles {
			if r == config.RoleHTTP {
				servesHTTP = true
			}
		}

		var mux *http.ServeMux
		if servesHTTP {
			mux = api.NewRouter(api.Options{
				Cache:   svc.cache,
				Journal: svc.journal,
				Health:  svc.health,
				Metrics: svc.prom.Handler(),
				Logger:  svc.logger,
			})
		} else {
			mux = http.NewServeMux()
		}
		for _, r := range roles {
			if (r == config.RoleWS || r == config.RoleRelayWS) && svc.hub != nil {
				api.MountWebSocket(mux, svc.hub, !servesHTTP)
			}
		}

		svc.servers = append(svc.servers, &portServer{
			port:  port,
			roles: roles,
			srv: &http.Server{
				Addr:              ":" + strconv.Itoa(port),
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			},
		})
	}
}

// Run binds every listener, starts all subsystems and blocks until ctx is
// cancelled or a subsystem fails. Bind failures are returned before anything
// else starts.
func (svc *Service) Run(ctx context.Context) error {
	defer svc.shutdown()

	for _, ps := range svc.servers {
		ln, err := net.Listen("tcp", ps.srv.Addr)
		if err != nil {
			svc.closeListeners()
			return fmt.Errorf("bind %v on port %d: %w", ps.roles, ps.port, err)
		}
		ps.ln = ln
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, ps := range svc.servers {
		g.Go(func() error {
			svc.logger.Info("listening", "port", ps.port, "roles", ps.roles)
			if err := ps.srv.Serve(ps.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve port %d: %w", ps.port, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, ps := range svc.servers {
			ps.srv.Shutdown(shutCtx)
		}
		if svc.hub != nil {
			svc.hub.Close()
		}
		return nil
	})

	switch {
	case svc.feed != nil:
		g.Go(func() error { return svc.feed.Run(gctx) })
	case svc.subscriber != nil:
		g.Go(func() error { return svc.subscriber.Run(gctx) })
	}
	if svc.publisher != nil {
		g.Go(func() error { svc.publisher.Run(gctx); return nil })
	}
	if svc.recorder != nil {
		g.Go(func() error { svc.recorder.Run(gctx); return nil })
	}

	var journal metrics.Pinger
	if svc.journal != nil {
		journal = svc.journal
	}
	svc.health.StartLivenessChecker(gctx, svc.rdb, journal, livenessInterval)

	svc.logger.Info("relay running", "mode", svc.cfg.Mode, "source", svc.adapter.Name())
	return g.Wait()
}

// Addrs returns the bound listener addresses, in port order.
func (svc *Service) Addrs() []net.Addr {
	var out []net.Addr
	for _, ps := range svc.servers {
		if ps.ln != nil {
			out = append(out, ps.ln.Addr())
		}
	}
	return out
}

func (svc *Service) closeListeners() {
	for _, ps := range svc.servers {
		if ps.ln != nil {
			ps.ln.Close()
		}
	}
}

func (svc *Service) shutdown() {
	if svc.journal != nil {
		if err := svc.journal.Close(); err != nil {
			svc.logger.Warn("journal close", "err", err)
		}
		svc.journal = nil
	}
	if svc.rdb != nil {
		svc.rdb.Close()
		svc.rdb = nil
	}
}
