package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver
)

// PostgresStore implements Store using PostgreSQL via the pgx stdlib driver.
type PostgresStore struct {
	BaseStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres with the given DSN and initializes the
// schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{
		BaseStore: BaseStore{
			db:      db,
			dialect: &PostgresDialect{},
			dbPath:  dsn,
		},
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		secret_hash TEXT NOT NULL,
		model TEXT,
		printer_path TEXT,
		label_size_id BIGINT,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen_at);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		payload_kind TEXT NOT NULL,
		payload_inline TEXT,
		payload_url TEXT,
		payload_file TEXT,
		priority INTEGER NOT NULL DEFAULT 5,
		source TEXT NOT NULL DEFAULT 'api',
		wait_for_completion BOOLEAN NOT NULL DEFAULT FALSE,
		idempotency_key TEXT,
		state TEXT NOT NULL DEFAULT 'queued',
		error_kind TEXT,
		error_detail TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_device_created ON jobs(device_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(device_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS api_credentials (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		prefix TEXT NOT NULL,
		digest TEXT NOT NULL UNIQUE,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at TIMESTAMPTZ,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS offline_queue (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		envelope BYTEA NOT NULL,
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		attempts INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_offline_device ON offline_queue(device_id, id);
	CREATE INDEX IF NOT EXISTS idx_offline_enqueued ON offline_queue(enqueued_at);

	CREATE TABLE IF NOT EXISTS label_sizes (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		width_mm DOUBLE PRECISION NOT NULL,
		height_mm DOUBLE PRECISION NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (1) ON CONFLICT (version) DO NOTHING`); err != nil {
		return err
	}
	for _, seed := range DefaultLabelSizes {
		if _, err := s.db.Exec(`INSERT INTO label_sizes (name, width_mm, height_mm) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`,
			seed.Name, seed.WidthMM, seed.HeightMM); err != nil {
			return err
		}
	}
	return nil
}
