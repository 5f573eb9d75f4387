package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL syntax differences between SQLite and PostgreSQL
// so the store logic can be written once.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// Placeholder returns a parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// AutoIncrement returns the column type for auto-incrementing primary keys.
	AutoIncrement() string

	// TimestampType returns the column type for timestamps.
	TimestampType() string

	// BoolType returns the column type for booleans.
	BoolType() string

	// CurrentTimestamp returns the SQL expression for the current time.
	CurrentTimestamp() string

	// UpsertConflict returns the upsert clause for the given conflict columns.
	UpsertConflict(conflictColumns []string) string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) Name() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string { return "?" }

func (d *SQLiteDialect) AutoIncrement() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

func (d *SQLiteDialect) TimestampType() string { return "DATETIME" }

func (d *SQLiteDialect) BoolType() string { return "INTEGER" }

func (d *SQLiteDialect) CurrentTimestamp() string { return "CURRENT_TIMESTAMP" }

func (d *SQLiteDialect) UpsertConflict(conflictColumns []string) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET", strings.Join(conflictColumns, ", "))
}

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string { return "postgres" }

func (d *PostgresDialect) Placeholder(index int) string { return fmt.Sprintf("$%d", index) }

func (d *PostgresDialect) AutoIncrement() string { return "BIGSERIAL PRIMARY KEY" }

func (d *PostgresDialect) TimestampType() string { return "TIMESTAMPTZ" }

func (d *PostgresDialect) BoolType() string { return "BOOLEAN" }

func (d *PostgresDialect) CurrentTimestamp() string { return "NOW()" }

func (d *PostgresDialect) UpsertConflict(conflictColumns []string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET", strings.Join(conflictColumns, ", "))
}

// ConvertPlaceholders rewrites SQLite-style ? placeholders to PostgreSQL-style
// $n placeholders. Queries are written once in ? style and converted at
// runtime for Postgres.
func ConvertPlaceholders(query string) string {
	var result strings.Builder
	result.Grow(len(query) + 10)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			result.WriteByte(query[i])
		}
	}
	return result.String()
}
