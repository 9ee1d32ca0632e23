package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mm-relay/config"
	"mm-relay/internal/model"
	redisstore "mm-relay/internal/store/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func wethUSDC(t *testing.T) model.InstrumentKey {
	t.Helper()
	k, err := model.NewInstrumentKey(1, weth, usdc)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// feed streams one bebop level every 20ms to each connection until it drops.
type feed struct {
	conns   atomic.Int32
	upgrade websocket.Upgrader
}

func (f *feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.conns.Add(1)
	conn, err := f.upgrade.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	frame := `{"chain_id":1,"msg_type":"update","levels":[{"base":"` + weth + `","quote":"` + usdc + `","price":"3150.5"}]}`
	for {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func startFeed(t *testing.T) (*feed, string) {
	t.Helper()
	f := &feed{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func loadConfig(t *testing.T, mode config.Mode, env map[string]string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(mode, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

// start runs svc until the test ends and returns a channel with Run's result.
func start(t *testing.T, svc *Service) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})
	return cancel, done
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type quoteBody struct {
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
	Sequence  uint64 `json:"sequence"`
}

func getQuote(port int, k model.InstrumentKey) (int, quoteBody) {
	url := fmt.Sprintf("http://127.0.0.1:%d/quote?chainId=%d&base=%s&quote=%s", port, k.ChainID, k.Base.Hex(), k.Quote.Hex())
	resp, err := http.Get(url)
	if err != nil {
		return 0, quoteBody{}
	}
	defer resp.Body.Close()
	var body quoteBody
	data, _ := io.ReadAll(resp.Body)
	json.Unmarshal(data, &body)
	return resp.StatusCode, body
}

func subscribeWS(t *testing.T, url string, k model.InstrumentKey) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	})
	t.Cleanup(func() { conn.Close() })

	msg, _ := json.Marshal(map[string]any{"action": "subscribe", "instrumentKey": k})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	return conn
}

// readQuoteFrame skips control replies and returns the first quote frame.
func readQuoteFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f map[string]json.RawMessage
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("frame %s: %v", data, err)
		}
		if _, ok := f["type"]; ok {
			continue
		}
		return f
	}
}

func TestService_DirectModeServesHTTPAndWebSocket(t *testing.T) {
	_, url := startFeed(t)
	httpPort, wsPort := freePort(t), freePort(t)
	k := wethUSDC(t)

	cfg := loadConfig(t, config.ModeDirect, map[string]string{
		"HTTP_PORT":   strconv.Itoa(httpPort),
		"WS_PORT":     strconv.Itoa(wsPort),
		"SOURCE_URL":  url,
		"INSTRUMENTS": k.String(),
	})
	svc, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(svc.servers) != 2 {
		t.Fatalf("listeners = %d, want 2", len(svc.servers))
	}
	start(t, svc)

	var body quoteBody
	eventually(t, func() bool {
		code, b := getQuote(httpPort, k)
		body = b
		return code == http.StatusOK
	})
	if body.Price != "3150.5" || body.Sequence == 0 {
		t.Errorf("quote = %+v", body)
	}

	// The WebSocket role owns its port, so the stream is also served at "/".
	conn := subscribeWS(t, fmt.Sprintf("ws://127.0.0.1:%d/", wsPort), k)
	f := readQuoteFrame(t, conn)
	var price string
	json.Unmarshal(f["price"], &price)
	if price != "3150.5" {
		t.Errorf("ws price = %q", price)
	}
}

func TestService_SharedPortServesAllRoles(t *testing.T) {
	_, url := startFeed(t)
	port := freePort(t)
	k := wethUSDC(t)

	cfg := loadConfig(t, config.ModeDirect, map[string]string{
		"PORT":        strconv.Itoa(port),
		"SOURCE_URL":  url,
		"INSTRUMENTS": k.String(),
	})
	svc, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(svc.servers) != 1 {
		t.Fatalf("listeners = %d, want 1", len(svc.servers))
	}
	start(t, svc)

	eventually(t, func() bool {
		code, _ := getQuote(port, k)
		return code == http.StatusOK
	})
	conn := subscribeWS(t, fmt.Sprintf("ws://127.0.0.1:%d/ws", port), k)
	readQuoteFrame(t, conn)
}

func TestService_UnknownKeyIs404(t *testing.T) {
	_, url := startFeed(t)
	port := freePort(t)

	cfg := loadConfig(t, config.ModeDirect, map[string]string{
		"PORT":       strconv.Itoa(port),
		"SOURCE_URL": url,
	})
	svc, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, svc)

	other, err := model.NewInstrumentKey(10, "0x4200000000000000000000000000000000000006", "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85")
	if err != nil {
		t.Fatal(err)
	}
	var code int
	eventually(t, func() bool {
		code, _ = getQuote(port, other)
		return code != 0
	})
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestService_BindFailure(t *testing.T) {
	_, url := startFeed(t)
	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	cfg := loadConfig(t, config.ModeDirect, map[string]string{
		"PORT":       strconv.Itoa(port),
		"SOURCE_URL": url,
	})
	svc, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = svc.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bind") {
		t.Fatalf("Run = %v, want bind error", err)
	}
}

func TestService_BebopPublishesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	_, url := startFeed(t)
	port := freePort(t)
	k := wethUSDC(t)

	cfg := loadConfig(t, config.ModeBebop, map[string]string{
		"PORT":        strconv.Itoa(port),
		"SOURCE_URL":  url,
		"REDIS_ADDR":  mr.Addr(),
		"INSTRUMENTS": k.String(),
	})
	svc, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, svc)

	eventually(t, func() bool {
		return mr.Exists(redisstore.LatestKey) && mr.HGet(redisstore.LatestKey, k.String()) != ""
	})
	q, err := model.DecodeQuote([]byte(mr.HGet(redisstore.LatestKey, k.String())))
	if err != nil {
		t.Fatalf("decode latest: %v", err)
	}
	if q.Price.String() != "3150.5" {
		t.Errorf("latest price = %s", q.Price)
	}
}

func TestService_RelayFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	port := freePort(t)
	k := wethUSDC(t)

	warm := model.Quote{Key: k, Price: decimal.RequireFromString("3100"), Timestamp: time.Now().UTC(), Sequence: 5}
	mr.HSet(redisstore.LatestKey, k.String(), string(warm.JSON()))

	cfg := loadConfig(t, config.ModeRelay, map[string]string{
		"PORT":       strconv.Itoa(port),
		"REDIS_ADDR": mr.Addr(),
	})
	svc, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := svc.cache.Sequence(k); got != 5 {
		t.Fatalf("warmed sequence = %d, want 5", got)
	}
	start(t, svc)

	conn := subscribeWS(t, fmt.Sprintf("ws://127.0.0.1:%d/ws", port), k)
	snap := readQuoteFrame(t, conn)
	var seq uint64
	json.Unmarshal(snap["sequence"], &seq)
	if seq != 5 {
		t.Errorf("snapshot sequence = %d, want 5", seq)
	}

	pub := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer pub.Close()
	next := model.Quote{Key: k, Price: decimal.RequireFromString("3200"), Timestamp: time.Now().UTC(), Sequence: 1}
	eventually(t, func() bool {
		n, _ := pub.Publish(context.Background(), k.Channel(), next.JSON()).Result()
		return n > 0
	})

	f := readQuoteFrame(t, conn)
	json.Unmarshal(f["sequence"], &seq)
	var price string
	json.Unmarshal(f["price"], &price)
	if seq <= 5 || price != "3200" {
		t.Errorf("relayed frame = seq %d price %s", seq, price)
	}
}
