package redis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"mm-relay/internal/model"
	"mm-relay/internal/quotecache"
	"mm-relay/internal/source"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const (
	weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := Connect(context.Background(), Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func testQuote(t *testing.T, chainID, seq uint64, price int64) model.Quote {
	t.Helper()
	k, err := model.NewInstrumentKey(chainID, weth, usdc)
	if err != nil {
		t.Fatal(err)
	}
	return model.Quote{Key: k, Price: decimal.NewFromInt(price), Timestamp: time.Now().UTC(), Sequence: seq}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnect_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := Connect(context.Background(), Config{Addr: addr}); err == nil {
		t.Fatal("expected ping error")
	}
}

func TestPublisher_PublishesAndStoresLatest(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := rdb.PSubscribe(ctx, QuotePattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	pub := NewPublisher(rdb, PublisherConfig{SnapshotTTL: time.Hour}, nil, nil)
	go pub.Run(ctx)

	q := testQuote(t, 1, 3, 3150)
	pub.OnQuote(q, q.JSON())

	select {
	case msg := <-sub.Channel():
		if msg.Channel != q.Key.Channel() {
			t.Errorf("channel = %q, want %q", msg.Channel, q.Key.Channel())
		}
		got, err := model.DecodeQuote([]byte(msg.Payload))
		if err != nil || got.Sequence != 3 {
			t.Errorf("payload = %s (%v)", msg.Payload, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}

	eventually(t, time.Second, func() bool { return mr.HGet(LatestKey, q.Key.String()) != "" })
	if ttl := mr.TTL(LatestKey); ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL = %s, want (0, 1h]", ttl)
	}
}

func TestPublisher_HoldsNewestWhileRedisFails(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := NewPublisher(rdb, PublisherConfig{MaxFailures: 1, ResetAfter: 10 * time.Millisecond}, nil, nil)

	mr.SetError("LOADING")
	q1 := testQuote(t, 1, 1, 100)
	q2 := testQuote(t, 1, 2, 200)
	pub.write(ctx, []publishItem{{key: q1.Key, frame: q1.JSON()}})
	pub.write(ctx, []publishItem{{key: q2.Key, frame: q2.JSON()}})

	if pub.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 (newest per key)", pub.Pending())
	}
	if pub.cb.CurrentState() != StateOpen {
		t.Fatalf("breaker = %v, want open", pub.cb.CurrentState())
	}

	mr.SetError("")
	time.Sleep(20 * time.Millisecond)
	pub.write(ctx, nil)

	if pub.Pending() != 0 {
		t.Fatalf("Pending() = %d after recovery", pub.Pending())
	}
	got, err := model.DecodeQuote([]byte(mr.HGet(LatestKey, q2.Key.String())))
	if err != nil || got.Sequence != 2 {
		t.Fatalf("latest = %+v, %v; want seq 2", got, err)
	}
}

func TestPublisher_OnQuoteNeverBlocks(t *testing.T) {
	_, rdb := setupRedis(t)
	pub := NewPublisher(rdb, PublisherConfig{QueueSize: 1}, nil, nil)
	q := testQuote(t, 1, 1, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			pub.OnQuote(q, q.JSON())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnQuote blocked with no consumer running")
	}
}

type connStatus struct {
	up atomic.Bool
}

func (s *connStatus) SetFeedConnected(v bool)    { s.up.Store(v) }
func (s *connStatus) SetLastQuoteTime(time.Time) {}

func TestSubscriber_FeedsAdapter(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := quotecache.New(4)
	status := &connStatus{}
	adapter := source.NewAdapter(source.AdapterConfig{
		Name:       "redis",
		Decoder:    source.NewRelayDecoder(),
		Normalizer: source.NewNormalizer(cache),
		Sink: source.SinkFunc(func(q model.Quote) quotecache.Result {
			res, _ := cache.Upsert(q)
			return res
		}),
		Status: status,
	})
	sub := NewSubscriber(rdb, adapter, nil)

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	eventually(t, 2*time.Second, status.up.Load)

	upstream := testQuote(t, 1, 500, 3150)
	rdb.Publish(ctx, upstream.Key.Channel(), upstream.JSON())
	// A replay of the same upstream sequence is dropped.
	rdb.Publish(ctx, upstream.Key.Channel(), upstream.JSON())
	next := testQuote(t, 1, 501, 3151)
	rdb.Publish(ctx, next.Key.Channel(), next.JSON())

	eventually(t, 2*time.Second, func() bool { return cache.Sequence(upstream.Key) == 2 })
	q, _ := cache.Get(upstream.Key)
	if q.Price.String() != "3151" {
		t.Errorf("price = %s, want 3151", q.Price)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if status.up.Load() {
		t.Error("status should be down after Run returns")
	}
}

func TestLoadLatest(t *testing.T) {
	mr, rdb := setupRedis(t)
	a := testQuote(t, 1, 9, 3000)
	b := testQuote(t, 8453, 4, 3001)
	mr.HSet(LatestKey, a.Key.String(), string(a.JSON()))
	mr.HSet(LatestKey, b.Key.String(), string(b.JSON()))
	mr.HSet(LatestKey, "junk", "not json")
	mr.HSet(LatestKey, "1:0x0:0x0", string(a.JSON())) // field does not match payload

	cache := quotecache.New(4)
	n, err := LoadLatest(context.Background(), rdb, func(q model.Quote) { cache.Upsert(q) })
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || cache.Len() != 2 {
		t.Fatalf("applied %d, cached %d; want 2", n, cache.Len())
	}
	if cache.Sequence(a.Key) != 9 || cache.Sequence(b.Key) != 4 {
		t.Error("warm-up should keep upstream sequences")
	}
}

func TestLoadLatest_Empty(t *testing.T) {
	_, rdb := setupRedis(t)
	n, err := LoadLatest(context.Background(), rdb, func(model.Quote) { t.Fatal("unexpected apply") })
	if err != nil || n != 0 {
		t.Fatalf("got %d, %v", n, err)
	}
}
