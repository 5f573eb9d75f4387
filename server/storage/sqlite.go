package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	BaseStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	connStr := dbPath
	if dbPath != ":memory:" {
		connStr += "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON"
	} else {
		connStr += "?_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		BaseStore: BaseStore{
			db:      db,
			dialect: &SQLiteDialect{},
			dbPath:  dbPath,
		},
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Registered devices
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		secret_hash TEXT NOT NULL,
		model TEXT,
		printer_path TEXT,
		label_size_id INTEGER,
		registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen_at);

	-- Print jobs
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		payload_kind TEXT NOT NULL,
		payload_inline TEXT,
		payload_url TEXT,
		payload_file TEXT,
		priority INTEGER NOT NULL DEFAULT 5,
		source TEXT NOT NULL DEFAULT 'api',
		wait_for_completion INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT,
		state TEXT NOT NULL DEFAULT 'queued',
		error_kind TEXT,
		error_detail TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_device_created ON jobs(device_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(device_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL;

	-- API credentials (digest only, never the token)
	CREATE TABLE IF NOT EXISTS api_credentials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		prefix TEXT NOT NULL,
		digest TEXT NOT NULL UNIQUE,
		created_by TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		active INTEGER NOT NULL DEFAULT 1
	);

	-- Per-device offline command queue
	CREATE TABLE IF NOT EXISTS offline_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		envelope BLOB NOT NULL,
		enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		attempts INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_offline_device ON offline_queue(device_id, id);
	CREATE INDEX IF NOT EXISTS idx_offline_enqueued ON offline_queue(enqueued_at);

	-- Label size catalog
	CREATE TABLE IF NOT EXISTS label_sizes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		width_mm REAL NOT NULL,
		height_mm REAL NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (1)`); err != nil {
		return err
	}
	for _, seed := range DefaultLabelSizes {
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO label_sizes (name, width_mm, height_mm) VALUES (?, ?, ?)`,
			seed.Name, seed.WidthMM, seed.HeightMM); err != nil {
			return err
		}
	}
	return nil
}

// DefaultDBPath returns the default SQLite path for the server.
func DefaultDBPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "LabelBerry", "server", "labelberry.db")
	}
	return "/var/lib/labelberry/server/labelberry.db"
}
