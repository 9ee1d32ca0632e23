package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"mm-relay/internal/model"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Journal is the embedded quote history store. Writes come from a single
// recorder goroutine and are batched into one transaction each.
type Journal struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Open opens (or creates) the database at path with WAL mode and the schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; a second connection serves history reads.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sqlite journal opened", "path", path)
	return &Journal{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS quotes (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			chain_id INTEGER NOT NULL,
			base     TEXT    NOT NULL,
			quote    TEXT    NOT NULL,
			seq      INTEGER NOT NULL,
			price    TEXT    NOT NULL,
			ts       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS quotes_key_ts
			ON quotes (chain_id, base, quote, ts);
	`)
	return err
}

// WriteBatch inserts quotes in a single transaction.
func (j *Journal) WriteBatch(ctx context.Context, quotes []model.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO quotes (chain_id, base, quote, seq, price, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, q := range quotes {
		_, err := stmt.ExecContext(ctx,
			int64(q.Key.ChainID), q.Key.Base.Hex(), q.Key.Quote.Hex(),
			int64(q.Sequence), q.Price.String(), q.Timestamp.UnixNano())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert %s: %w", q.Key, err)
		}
	}

	return tx.Commit()
}

// History returns up to limit quotes for key, newest first.
func (j *Journal) History(ctx context.Context, key model.InstrumentKey, limit int) ([]model.Quote, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, price, ts
		FROM quotes
		WHERE chain_id = ? AND base = ? AND quote = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, int64(key.ChainID), key.Base.Hex(), key.Quote.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query quotes: %w", err)
	}
	defer rows.Close()

	var out []model.Quote
	for rows.Next() {
		var (
			seq   int64
			price string
			ts    int64
		)
		if err := rows.Scan(&seq, &price, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan quotes: %w", err)
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("sqlite price %q: %w", price, err)
		}
		out = append(out, model.Quote{
			Key:       key,
			Price:     p,
			Timestamp: time.Unix(0, ts).UTC(),
			Sequence:  uint64(seq),
		})
	}
	return out, rows.Err()
}

// Ping checks the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
