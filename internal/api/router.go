// Package api provides the HTTP surface of the relay: the quote endpoints,
// health, metrics, and the WebSocket upgrade mount.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"mm-relay/internal/chains"
	"mm-relay/internal/model"
	"mm-relay/internal/quotecache"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Options configures the router. Nil handlers leave their route unmounted.
type Options struct {
	Cache   *quotecache.Cache
	Journal model.QuoteJournal
	Health  http.Handler
	Metrics http.Handler
	Logger  *slog.Logger
}

type server struct {
	cache   *quotecache.Cache
	journal model.QuoteJournal
	logger  *slog.Logger
}

// NewRouter sets up the HTTP routes.
func NewRouter(opts Options) *http.ServeMux {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &server{cache: opts.Cache, journal: opts.Journal, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /quote", s.handleQuote)
	mux.HandleFunc("GET /quotes", s.handleQuotes)
	if s.journal != nil {
		mux.HandleFunc("GET /quote/history", s.handleHistory)
	}
	if opts.Health != nil {
		mux.Handle("GET /healthz", opts.Health)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux
}

// MountWebSocket attaches a WebSocket handler at /ws, and at / as well when
// the handler owns the listener.
func MountWebSocket(mux *http.ServeMux, ws http.Handler, ownsPort bool) {
	mux.Handle("/ws", ws)
	if ownsPort {
		mux.Handle("/{$}", ws)
	}
}

// handleQuote serves GET /quote?chainId=&base=&quote=. It reads the cache
// only and never waits for a fresh quote.
func (s *server) handleQuote(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := s.cache.Get(key)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, model.ErrNotFound.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, q.Body())
}

// handleQuotes serves GET /quotes: every cached quote, ordered by key.
func (s *server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	all := s.cache.All()
	sort.Slice(all, func(i, j int) bool { return all[i].Key.String() < all[j].Key.String() })
	if all == nil {
		all = []model.Quote{}
	}
	writeJSON(w, http.StatusOK, all)
}

// handleHistory serves GET /quote/history?chainId=&base=&quote=&limit=.
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	quotes, err := s.journal.History(r.Context(), key, limit)
	if err != nil {
		s.logger.Error("history query failed", "key", key.String(), "err", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if quotes == nil {
		quotes = []model.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// keyFromQuery builds the instrument key. chainId defaults to the default
// chain and quote to that chain's stablecoin.
func keyFromQuery(r *http.Request) (model.InstrumentKey, error) {
	qs := r.URL.Query()

	chainID := chains.DefaultChainID
	if v := strings.TrimSpace(qs.Get("chainId")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return model.InstrumentKey{}, fmt.Errorf("invalid chainId %q", v)
		}
		chainID = n
	}

	base := strings.TrimSpace(qs.Get("base"))
	if base == "" {
		return model.InstrumentKey{}, errors.New("base is required")
	}
	quote := strings.TrimSpace(qs.Get("quote"))
	if quote == "" {
		quote = chains.Stablecoin(chainID).Hex()
	}
	return model.NewInstrumentKey(chainID, base, quote)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
