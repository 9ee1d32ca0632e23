// Package quotecache holds the latest quote per instrument key.
//
// Keys are spread over power-of-two shards by xxhash. A shard lock is only
// taken to find or create a key's entry; the entry itself carries the mutex
// that serializes writers for that key, so upserts to different keys never
// wait on each other.
package quotecache

import (
	"encoding/binary"
	"sync"

	"mm-relay/internal/model"

	"github.com/cespare/xxhash/v2"
)

// Result reports what Upsert did with a quote.
type Result int

const (
	Accepted Result = iota // quote replaced the cached entry
	Stale                  // sequence not newer than cached; no-op
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// DefaultShards is used when New is given a non-positive shard count.
const DefaultShards = 64

type entry struct {
	mu    sync.RWMutex
	quote model.Quote
	set   bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[model.InstrumentKey]*entry
}

// Cache is safe for concurrent use.
type Cache struct {
	shards []shard
	mask   uint64
}

// New creates a cache. shards is rounded up to the next power of two.
func New(shards int) *Cache {
	if shards <= 0 {
		shards = DefaultShards
	}
	n := nextPow2(shards)
	c := &Cache{
		shards: make([]shard, n),
		mask:   uint64(n - 1),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[model.InstrumentKey]*entry)
	}
	return c
}

// Upsert replaces the entry for q.Key only if q.Sequence is greater than the
// cached sequence. It returns the result and the quote now cached.
func (c *Cache) Upsert(q model.Quote) (Result, model.Quote) {
	return c.UpsertFunc(q, nil)
}

// UpsertFunc is Upsert with a hook. onAccept runs only for accepted quotes and
// runs while the key is still locked, so hooks for one key observe quotes in
// acceptance order. onAccept must not block and must not call back into the
// cache for the same key.
func (c *Cache) UpsertFunc(q model.Quote, onAccept func(model.Quote)) (Result, model.Quote) {
	e := c.entry(q.Key, true)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.set && q.Sequence <= e.quote.Sequence {
		return Stale, e.quote
	}
	e.quote = q
	e.set = true
	if onAccept != nil {
		onAccept(q)
	}
	return Accepted, q
}

// Get returns the latest quote for key, or model.ErrNotFound.
func (c *Cache) Get(key model.InstrumentKey) (model.Quote, error) {
	e := c.entry(key, false)
	if e == nil {
		return model.Quote{}, model.ErrNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.set {
		return model.Quote{}, model.ErrNotFound
	}
	return e.quote, nil
}

// View runs fn with the current quote for key while holding the key's lock.
// No upsert for key can interleave with fn. ok is false if nothing is cached.
func (c *Cache) View(key model.InstrumentKey, fn func(q model.Quote, ok bool)) {
	e := c.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.quote, e.set)
}

// Sequence returns the cached sequence for key, 0 if none.
func (c *Cache) Sequence(key model.InstrumentKey) uint64 {
	q, err := c.Get(key)
	if err != nil {
		return 0
	}
	return q.Sequence
}

// All returns a snapshot of every cached quote. Order is unspecified.
func (c *Cache) All() []model.Quote {
	var out []model.Quote
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		entries := make([]*entry, 0, len(s.entries))
		for _, e := range s.entries {
			entries = append(entries, e)
		}
		s.mu.RUnlock()

		for _, e := range entries {
			e.mu.RLock()
			if e.set {
				out = append(out, e.quote)
			}
			e.mu.RUnlock()
		}
	}
	return out
}

// Len returns the number of keys that have a cached quote.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			e.mu.RLock()
			if e.set {
				n++
			}
			e.mu.RUnlock()
		}
		s.mu.RUnlock()
	}
	return n
}

func (c *Cache) entry(key model.InstrumentKey, create bool) *entry {
	s := &c.shards[hashKey(key)&c.mask]

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &entry{}
	s.entries[key] = e
	return e
}

func hashKey(key model.InstrumentKey) uint64 {
	var buf [48]byte
	binary.LittleEndian.PutUint64(buf[:8], key.ChainID)
	copy(buf[8:28], key.Base[:])
	copy(buf[28:48], key.Quote[:])
	return xxhash.Sum64(buf[:])
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
