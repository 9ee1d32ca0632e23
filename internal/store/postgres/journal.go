package postgres

import (
	"context"
	"fmt"
	"time"

	"mm-relay/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const schema = `
	CREATE TABLE IF NOT EXISTS quote_history (
		id       BIGSERIAL   PRIMARY KEY,
		chain_id BIGINT      NOT NULL,
		base     TEXT        NOT NULL,
		quote    TEXT        NOT NULL,
		seq      BIGINT      NOT NULL,
		price    NUMERIC     NOT NULL,
		ts       TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS quote_history_key_ts
		ON quote_history (chain_id, base, quote, ts DESC);
`

// Journal is the server-backed quote history store.
type Journal struct {
	pool *pgxpool.Pool
}

// Connect creates a connection pool for dsn, pings it and ensures the schema.
func Connect(ctx context.Context, dsn string) (*Journal, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Journal{pool: pool}, nil
}

// WriteBatch inserts quotes with one pgx.Batch round trip.
func (j *Journal) WriteBatch(ctx context.Context, quotes []model.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, q := range quotes {
		batch.Queue(`
			INSERT INTO quote_history (chain_id, base, quote, seq, price, ts)
			VALUES ($1, $2, $3, $4, $5::text::numeric, $6)
		`, int64(q.Key.ChainID), q.Key.Base.Hex(), q.Key.Quote.Hex(), int64(q.Sequence), q.Price.String(), q.Timestamp)
	}

	results := j.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range quotes {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert quote_history: %w", err)
		}
	}
	return nil
}

// History returns up to limit quotes for key, newest first.
func (j *Journal) History(ctx context.Context, key model.InstrumentKey, limit int) ([]model.Quote, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT seq, price::text, ts
		FROM quote_history
		WHERE chain_id = $1 AND base = $2 AND quote = $3
		ORDER BY ts DESC, id DESC
		LIMIT $4
	`, int64(key.ChainID), key.Base.Hex(), key.Quote.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("query quote_history: %w", err)
	}
	defer rows.Close()

	var out []model.Quote
	for rows.Next() {
		var (
			seq   int64
			price string
			ts    time.Time
		)
		if err := rows.Scan(&seq, &price, &ts); err != nil {
			return nil, fmt.Errorf("scan quote_history: %w", err)
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", price, err)
		}
		out = append(out, model.Quote{Key: key, Price: p, Timestamp: ts.UTC(), Sequence: uint64(seq)})
	}
	return out, rows.Err()
}

// Ping verifies the pool is healthy.
func (j *Journal) Ping(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

// Close closes the pool.
func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}
