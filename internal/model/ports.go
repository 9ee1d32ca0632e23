package model

import "context"

// ── Storage Port Interfaces ──
// These decouple the relay from concrete journal implementations (SQLite, Postgres).

// QuoteJournal appends accepted quotes and reads them back per instrument.
type QuoteJournal interface {
	// WriteBatch persists quotes in a single transaction.
	WriteBatch(ctx context.Context, quotes []Quote) error

	// History returns up to limit quotes for key, newest first.
	History(ctx context.Context, key InstrumentKey, limit int) ([]Quote, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
