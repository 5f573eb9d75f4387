package storage

import (
	"fmt"
	"strings"
)

// Open creates a Store from a database URL. Postgres URLs (postgres:// or
// postgresql://) use the pgx driver; anything else is treated as a SQLite
// path. An empty URL falls back to the default SQLite location.
func Open(databaseURL string) (Store, error) {
	switch {
	case databaseURL == "":
		return NewSQLiteStore(DefaultDBPath())
	case strings.HasPrefix(databaseURL, "postgres://"),
		strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgresStore(databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.Contains(databaseURL, "://"):
		return nil, fmt.Errorf("unsupported database URL scheme: %q", databaseURL)
	default:
		return NewSQLiteStore(databaseURL)
	}
}
