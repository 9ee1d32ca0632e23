package gateway

import (
	"log/slog"
	"net/http"
	"sync"

	"mm-relay/internal/metrics"
	"mm-relay/internal/model"
	"mm-relay/internal/quotecache"
	"mm-relay/internal/registry"

	"github.com/gorilla/websocket"
)

// DefaultQueueDepth bounds each client's outbound queue when not configured.
const DefaultQueueDepth = 256

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// HubConfig configures a Hub.
type HubConfig struct {
	Role       string // "pricing" or "relay"; used in logs and metric labels
	QueueDepth int
}

// Hub owns the arena of live WebSocket clients for one socket role.
// The registry holds only connection ids; handles are resolved through
// the arena at fan-out time, so a closed connection simply stops resolving.
type Hub struct {
	role       string
	queueDepth int

	cache    *quotecache.Cache
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[model.ConnID]*Client
}

// NewHub creates a Hub reading snapshots from cache and pairings from reg.
func NewHub(cfg HubConfig, cache *quotecache.Cache, reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Role == "" {
		cfg.Role = "pricing"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		role:       cfg.Role,
		queueDepth: cfg.QueueDepth,
		cache:      cache,
		registry:   reg,
		metrics:    m,
		logger:     logger.With("role", cfg.Role),
		clients:    make(map[model.ConnID]*Client),
	}
}

// Role returns the socket role this hub serves.
func (h *Hub) Role() string { return h.role }

// ServeHTTP upgrades the request to a WebSocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	c := h.Register(conn)
	h.logger.Info("ws client connected", "conn_id", c.id.String(), "remote", r.RemoteAddr)
}

// Register adds conn to the arena and starts its reader and writer.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := newClient(h, conn)
	h.add(c)

	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetClients(h.role, count)
}

// Disconnect tears a connection down: its subscriptions are removed and its
// queue is released before Disconnect returns. Safe to call repeatedly.
func (h *Hub) Disconnect(id model.ConnID, code int, reason string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	// Closed before the registry is cleared; Subscribe relies on this order.
	c.close(code, reason)
	n := h.registry.OnDisconnect(id)
	h.metrics.SetClients(h.role, count)
	h.logger.Info("ws client disconnected", "conn_id", id.String(), "subscriptions", n, "reason", reason)
}

// Subscribe pairs the connection with key, acknowledges, and enqueues the
// cached quote for key if there is one.
func (h *Hub) Subscribe(id model.ConnID, key model.InstrumentKey) {
	c := h.lookup(id)
	if c == nil {
		return
	}
	if h.reply(c, ControlReply{Type: TypeSubscribed, InstrumentKey: &key}) != enqueued {
		return
	}
	h.registry.Subscribe(id, key)
	// A concurrent Disconnect may have cleared the registry before the pairing
	// landed. It closes the client first, so a live client here means its
	// OnDisconnect has not run yet.
	if c.isClosed() {
		h.registry.Unsubscribe(id, key)
		return
	}

	var res enqueueResult = skipped
	h.cache.View(key, func(q model.Quote, ok bool) {
		if ok {
			res = c.enqueueQuote(q, q.JSON())
		}
	})
	switch res {
	case enqueued:
		h.metrics.Delivered(h.role, 1)
	case overflow:
		h.dropLaggard(id)
	}
}

// Unsubscribe removes the pairing and acknowledges.
func (h *Hub) Unsubscribe(id model.ConnID, key model.InstrumentKey) {
	c := h.lookup(id)
	if c == nil {
		return
	}
	h.registry.Unsubscribe(id, key)
	h.reply(c, ControlReply{Type: TypeUnsubscribed, InstrumentKey: &key})
}

// OnQuote fans an accepted quote out to every subscriber of its key.
// It is called with the key locked in the cache, so calls for one key are
// serialized in acceptance order. Each delivery is a non-blocking enqueue.
func (h *Hub) OnQuote(q model.Quote, frame []byte) {
	ids := h.registry.SubscribersFor(q.Key)
	if len(ids) == 0 {
		return
	}

	delivered := 0
	for _, id := range ids {
		c := h.lookup(id)
		if c == nil {
			continue
		}
		switch c.enqueueQuote(q, frame) {
		case enqueued:
			delivered++
		case overflow:
			h.dropLaggard(id)
		}
	}
	h.metrics.Delivered(h.role, delivered)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client with a going-away close frame.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]model.ConnID, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Disconnect(id, CloseShutdown, "server shutting down")
	}
}

func (h *Hub) lookup(id model.ConnID) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

func (h *Hub) reply(c *Client, r ControlReply) enqueueResult {
	res := c.enqueueControl(r)
	if res == overflow {
		h.dropLaggard(c.id)
	}
	return res
}

func (h *Hub) dropLaggard(id model.ConnID) {
	h.logger.Warn("dropping slow consumer", "conn_id", id.String(), "queue_depth", h.queueDepth)
	h.metrics.LaggardDropped(h.role)
	h.Disconnect(id, CloseSlowConsumer, "slow consumer")
}
