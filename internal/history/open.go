// Package history records accepted quotes into a journal and reads them back.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mm-relay/internal/model"
	"mm-relay/internal/store/postgres"
	"mm-relay/internal/store/sqlite"
)

// Open picks the journal backend from dsn: postgres:// or postgresql:// URLs
// use Postgres, anything else is a SQLite file path (an optional sqlite://
// prefix is stripped).
func Open(ctx context.Context, dsn string) (model.QuoteJournal, error) {
	switch {
	case dsn == "":
		return nil, errors.New("history: empty dsn")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		j, err := postgres.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		return j, nil
	default:
		j, err := sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		return j, nil
	}
}
