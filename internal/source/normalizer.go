package source

import (
	"sync"
	"time"

	"mm-relay/internal/model"
)

// SequenceSource reports the sequence already cached for a key.
type SequenceSource interface {
	Sequence(key model.InstrumentKey) uint64
}

// Normalizer assigns local, strictly increasing per-key sequences. The first
// sequence for a key continues from whatever the cache already holds, so a
// warmed or restarted source never produces stale quotes.
type Normalizer struct {
	mu    sync.Mutex
	seq   map[model.InstrumentKey]uint64
	cache SequenceSource
	now   func() time.Time
}

func NewNormalizer(cache SequenceSource) *Normalizer {
	return &Normalizer{
		seq:   make(map[model.InstrumentKey]uint64),
		cache: cache,
		now:   time.Now,
	}
}

// Normalize stamps u with the next local sequence for its key. A missing
// timestamp becomes the receive time.
func (n *Normalizer) Normalize(u Update) model.Quote {
	n.mu.Lock()
	next := n.seq[u.Key]
	if n.cache != nil {
		if cached := n.cache.Sequence(u.Key); cached > next {
			next = cached
		}
	}
	next++
	n.seq[u.Key] = next
	n.mu.Unlock()

	ts := u.Timestamp
	if ts.IsZero() {
		ts = n.now()
	}
	return model.Quote{
		Key:       u.Key,
		Price:     u.Price,
		Timestamp: ts.UTC(),
		Sequence:  next,
	}
}
