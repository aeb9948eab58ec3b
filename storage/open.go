package storage

import (
	"context"
	"log/slog"
	"strings"
)

// Open picks a backend from dsn: postgres:// and postgresql:// URLs use
// Postgres, ":memory:" an in-memory SQLite database, anything else a
// SQLite file path.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn, logger)
	case dsn == ":memory:":
		return NewSqliteInMemory()
	default:
		return OpenSqlite(dsn)
	}
}
