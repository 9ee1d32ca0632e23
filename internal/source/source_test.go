package source

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mm-relay/internal/model"
	"mm-relay/internal/quotecache"

	"github.com/shopspring/decimal"
)

const (
	weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func mustKey(t *testing.T, chainID uint64) model.InstrumentKey {
	t.Helper()
	k, err := model.NewInstrumentKey(chainID, weth, usdc)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{64, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}

	if got := (Backoff{}).Delay(0); got != DefaultBackoff.Base {
		t.Errorf("zero Backoff should use defaults, got %s", got)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleep(ctx, time.Hour) {
		t.Fatal("sleep should report cancellation")
	}
}

func TestBebopDecoder(t *testing.T) {
	d := &BebopDecoder{}
	frame := `{"chain_id":1,"msg_type":"update","levels":[
		{"base":"` + weth + `","quote":"` + usdc + `","bids":[["3150","2"]],"asks":[["3152","1"]],"last_update_ts":1700000000.5},
		{"base":"` + weth + `","quote":"` + usdc + `","price":"3151.25"},
		{"base":"0xbad","quote":"` + usdc + `","price":"1"},
		{"base":"` + weth + `","quote":"` + usdc + `","asks":[[3160,1]]}
	]}`

	updates, err := d.Decode([]byte(frame))
	if err == nil || !strings.Contains(err.Error(), "level 2") {
		t.Fatalf("expected error for level 2, got %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(updates))
	}

	wantPrices := []string{"3151", "3151.25", "3160"}
	for i, u := range updates {
		if u.Price.String() != wantPrices[i] {
			t.Errorf("update %d price = %s, want %s", i, u.Price, wantPrices[i])
		}
		if u.Key != mustKey(t, 1) {
			t.Errorf("update %d key = %s", i, u.Key)
		}
	}
	if want := time.Unix(1700000000, 500000000).UTC(); !updates[0].Timestamp.Equal(want) {
		t.Errorf("timestamp = %s, want %s", updates[0].Timestamp, want)
	}
	if !updates[1].Timestamp.IsZero() {
		t.Error("missing last_update_ts should leave timestamp zero")
	}
}

func TestBebopDecoder_IgnoresNonUpdates(t *testing.T) {
	d := &BebopDecoder{}
	for _, frame := range []string{`{"msg_type":"heartbeat"}`, `{"msg_type":"subscribed","chain_id":1}`, `{}`} {
		updates, err := d.Decode([]byte(frame))
		if err != nil || len(updates) != 0 {
			t.Errorf("%s: got %v, %v", frame, updates, err)
		}
	}
	if _, err := d.Decode([]byte("garbage")); err == nil {
		t.Error("expected error for non-JSON frame")
	}
}

func TestBebopDecoder_SubscribeFramesGroupByChain(t *testing.T) {
	d := &BebopDecoder{}
	frames := d.SubscribeFrames([]model.InstrumentKey{mustKey(t, 8453), mustKey(t, 1), mustKey(t, 1)})
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !strings.Contains(string(frames[0]), `"chain_id":1,`) {
		t.Errorf("frames should be ordered by chain id: %s", frames[0])
	}
}

func TestRelayDecoder_DropsRepeats(t *testing.T) {
	d := NewRelayDecoder()
	k := mustKey(t, 1)
	frame := func(seq uint64) []byte {
		q := model.Quote{Key: k, Price: decimal.NewFromInt(10), Timestamp: time.Now(), Sequence: seq}
		return q.JSON()
	}

	for _, tt := range []struct {
		seq  uint64
		want int
	}{{5, 1}, {5, 0}, {6, 1}, {6, 0}} {
		got, err := d.Decode(frame(tt.seq))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != tt.want {
			t.Errorf("seq %d: got %d updates, want %d", tt.seq, len(got), tt.want)
		}
	}

	d.Reset()
	if got, _ := d.Decode(frame(1)); len(got) != 1 {
		t.Error("after Reset a lower upstream sequence should pass")
	}
}

// An upstream that restarts its sequences (publisher restart, Redis flushed)
// keeps flowing instead of freezing until it passes the old high-water mark.
func TestRelayDecoder_UpstreamRestart(t *testing.T) {
	d := NewRelayDecoder()
	k := mustKey(t, 1)
	frame := func(seq uint64, price int64) []byte {
		q := model.Quote{Key: k, Price: decimal.NewFromInt(price), Timestamp: time.Now(), Sequence: seq}
		return q.JSON()
	}

	if got, _ := d.Decode(frame(500, 3000)); len(got) != 1 {
		t.Fatal("first frame dropped")
	}
	dropped := 0
	for seq := uint64(1); seq <= 100; seq++ {
		got, err := d.Decode(frame(seq, 3000+int64(seq)))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			dropped++
		}
	}
	if dropped != 0 {
		t.Errorf("dropped %d/100 frames after upstream restart", dropped)
	}
}

func TestRelayDecoder_RestartFlowsThroughNormalizer(t *testing.T) {
	cache := quotecache.New(4)
	norm := NewNormalizer(cache)
	d := NewRelayDecoder()
	k := mustKey(t, 1)

	var last uint64
	for _, seq := range []uint64{500, 501, 1, 2} {
		q := model.Quote{Key: k, Price: decimal.NewFromInt(int64(seq)), Timestamp: time.Now(), Sequence: seq}
		ups, err := d.Decode(q.JSON())
		if err != nil || len(ups) != 1 {
			t.Fatalf("seq %d: %v, %d updates", seq, err, len(ups))
		}
		out := norm.Normalize(ups[0])
		if res, _ := cache.Upsert(out); res != quotecache.Accepted {
			t.Fatalf("seq %d: cache result %s", seq, res)
		}
		if out.Sequence <= last {
			t.Fatalf("local sequence went backwards: %d after %d", out.Sequence, last)
		}
		last = out.Sequence
	}
}

func TestRelayDecoder_ControlFrames(t *testing.T) {
	d := NewRelayDecoder()
	if got, err := d.Decode([]byte(`{"type":"subscribed"}`)); err != nil || got != nil {
		t.Errorf("ack: got %v, %v", got, err)
	}
	if _, err := d.Decode([]byte(`{"type":"error","error":"nope"}`)); err == nil {
		t.Error("error frame should surface as a decode error")
	}
	if _, err := d.Decode([]byte(`{"price":"1"}`)); err == nil {
		t.Error("frame without key should fail")
	}
}

func TestNormalizer_SeedsFromCache(t *testing.T) {
	cache := quotecache.New(4)
	k := mustKey(t, 1)
	cache.Upsert(model.Quote{Key: k, Price: decimal.NewFromInt(1), Timestamp: time.Now(), Sequence: 41})

	n := NewNormalizer(cache)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	q1 := n.Normalize(Update{Key: k, Price: decimal.NewFromInt(2)})
	q2 := n.Normalize(Update{Key: k, Price: decimal.NewFromInt(3), UpstreamSeq: 7})
	if q1.Sequence != 42 || q2.Sequence != 43 {
		t.Fatalf("sequences = %d, %d; want 42, 43", q1.Sequence, q2.Sequence)
	}
	if !q1.Timestamp.Equal(fixed) {
		t.Errorf("zero timestamp should become receive time, got %s", q1.Timestamp)
	}

	other := n.Normalize(Update{Key: mustKey(t, 10), Price: decimal.NewFromInt(1)})
	if other.Sequence != 1 {
		t.Errorf("independent key should start at 1, got %d", other.Sequence)
	}
}

type recordingStatus struct {
	mu        sync.Mutex
	connected []bool
	lastQuote time.Time
}

func (s *recordingStatus) SetFeedConnected(v bool) {
	s.mu.Lock()
	s.connected = append(s.connected, v)
	s.mu.Unlock()
}

func (s *recordingStatus) SetLastQuoteTime(t time.Time) {
	s.mu.Lock()
	s.lastQuote = t
	s.mu.Unlock()
}

func TestAdapter_Handle(t *testing.T) {
	cache := quotecache.New(4)
	var published atomic.Int32
	status := &recordingStatus{}
	a := NewAdapter(AdapterConfig{
		Name:       "bebop",
		Decoder:    &BebopDecoder{},
		Normalizer: NewNormalizer(cache),
		Sink: SinkFunc(func(q model.Quote) quotecache.Result {
			published.Add(1)
			res, _ := cache.Upsert(q)
			return res
		}),
		Status: status,
	})

	n := a.Handle(context.Background(), []byte(`{"chain_id":1,"levels":[{"base":"`+weth+`","quote":"`+usdc+`","price":"3000"}]}`))
	if n != 1 {
		t.Fatalf("accepted = %d, want 1", n)
	}
	// Garbage is counted, not fatal.
	if n := a.Handle(context.Background(), []byte("{")); n != 0 {
		t.Fatalf("garbage accepted = %d", n)
	}
	// Non-positive prices never reach the sink.
	a.Handle(context.Background(), []byte(`{"chain_id":1,"levels":[{"base":"`+weth+`","quote":"`+usdc+`","price":"-5"}]}`))

	if published.Load() != 1 {
		t.Errorf("sink saw %d quotes, want 1", published.Load())
	}
	q, err := cache.Get(mustKey(t, 1))
	if err != nil || q.Sequence != 1 || q.Price.String() != "3000" {
		t.Errorf("cached = %+v, %v", q, err)
	}
	if status.lastQuote.IsZero() {
		t.Error("status should record the last quote time")
	}
}
