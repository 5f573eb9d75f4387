package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Baanaaana/labelberry/common/protocol"
)

// BaseStore provides the Store implementation shared by SQLite and PostgreSQL.
// Queries are written with SQLite-style ? placeholders and converted at
// runtime when running on Postgres.
type BaseStore struct {
	db      *sql.DB
	dialect Dialect
	dbPath  string
}

// DB returns the underlying database connection.
func (s *BaseStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *BaseStore) Dialect() Dialect { return s.dialect }

// Close closes the database connection.
func (s *BaseStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *BaseStore) query(q string) string {
	if s.dialect.Name() == "postgres" {
		return ConvertPlaceholders(q)
	}
	return q
}

func (s *BaseStore) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.query(query), args...)
}

// ============================================================================
// Devices
// ============================================================================

// CreateDevice registers a new device. The id must be unique.
func (s *BaseStore) CreateDevice(ctx context.Context, d *Device) error {
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now().UTC()
	}
	query := `
		INSERT INTO devices (id, name, secret_hash, model, printer_path, label_size_id, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.execContext(ctx, query,
		d.ID, d.Name, d.SecretHash, d.Model, d.PrinterPath, nullInt64(d.LabelSizeID), d.RegisteredAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("device %s: %w", d.ID, ErrDuplicate)
	}
	return err
}

// GetDevice retrieves a device by id.
func (s *BaseStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	query := `
		SELECT id, name, secret_hash, model, printer_path, label_size_id, registered_at, last_seen_at
		FROM devices
		WHERE id = ?
	`
	d, err := scanDevice(s.queryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return d, err
}

// ListDevices returns all registered devices ordered by name.
func (s *BaseStore) ListDevices(ctx context.Context) ([]*Device, error) {
	query := `
		SELECT id, name, secret_hash, model, printer_path, label_size_id, registered_at, last_seen_at
		FROM devices
		ORDER BY name, id
	`
	rows, err := s.queryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDevice updates the mutable device fields. The secret hash is only
// replaced when a new one is provided.
func (s *BaseStore) UpdateDevice(ctx context.Context, d *Device) error {
	query := `
		UPDATE devices
		SET name = ?, model = ?, printer_path = ?, label_size_id = ?
		WHERE id = ?
	`
	args := []interface{}{d.Name, d.Model, d.PrinterPath, nullInt64(d.LabelSizeID), d.ID}
	if d.SecretHash != "" {
		query = `
			UPDATE devices
			SET name = ?, model = ?, printer_path = ?, label_size_id = ?, secret_hash = ?
			WHERE id = ?
		`
		args = []interface{}{d.Name, d.Model, d.PrinterPath, nullInt64(d.LabelSizeID), d.SecretHash, d.ID}
	}
	res, err := s.execContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

// DeleteDevice removes a device and its offline queue. Jobs are kept for
// history.
func (s *BaseStore) DeleteDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.query(`DELETE FROM devices WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, s.query(`DELETE FROM offline_queue WHERE device_id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

// TouchDevice records the last time traffic was seen from a device.
func (s *BaseStore) TouchDevice(ctx context.Context, id string, at time.Time) error {
	_, err := s.execContext(ctx, `UPDATE devices SET last_seen_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

func scanDevice(row interface{ Scan(...interface{}) error }) (*Device, error) {
	var d Device
	var model, printerPath sql.NullString
	var labelSizeID sql.NullInt64
	var lastSeen sql.NullTime
	err := row.Scan(&d.ID, &d.Name, &d.SecretHash, &model, &printerPath, &labelSizeID, &d.RegisteredAt, &lastSeen)
	if err != nil {
		return nil, err
	}
	d.Model = model.String
	d.PrinterPath = printerPath.String
	d.LabelSizeID = labelSizeID.Int64
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeenAt = &t
	}
	return &d, nil
}

// ============================================================================
// Jobs
// ============================================================================

const jobColumns = `id, device_id, payload_kind, payload_inline, payload_url, payload_file,
	priority, source, wait_for_completion, idempotency_key, state, error_kind, error_detail,
	attempt_count, created_at, started_at, completed_at`

// CreateJob persists a new job in its initial state.
func (s *BaseStore) CreateJob(ctx context.Context, j *Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.State == "" {
		j.State = protocol.StateQueued
	}
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.execContext(ctx, query,
		j.ID, j.DeviceID, j.PayloadKind, j.PayloadInline, j.PayloadURL, j.PayloadFile,
		j.Priority, string(j.Source), j.Wait, nullString(j.IdempotencyKey),
		string(j.State), nullString(string(j.ErrorKind)), nullString(j.ErrorDetail),
		j.AttemptCount, j.CreatedAt, nullTime(j.StartedAt), nullTime(j.CompletedAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", j.ID, ErrDuplicate)
	}
	return err
}

// GetJob retrieves a job by id.
func (s *BaseStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	j, err := scanJob(s.queryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

// GetJobByIdempotencyKey returns the job previously created for a caller-
// supplied idempotency key, scoped to a device.
func (s *BaseStore) GetJobByIdempotencyKey(ctx context.Context, deviceID, key string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE device_id = ? AND idempotency_key = ?`
	j, err := scanJob(s.queryRowContext(ctx, query, deviceID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// TransitionJob applies a state transition under the job state machine inside
// a single transaction. The update is guarded by the previously read state so
// a concurrent transition loses cleanly rather than clobbering.
func (s *BaseStore) TransitionJob(ctx context.Context, id string, to protocol.JobState, attempt int, wireErr *protocol.WireError) (*TransitionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, s.query(`SELECT state FROM jobs WHERE id = ?`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	from := protocol.JobState(current)
	if !protocol.CanTransition(from, to) {
		return &TransitionResult{Applied: false, Previous: from}, fmt.Errorf("job %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	sets := []string{"state = ?"}
	args := []interface{}{string(to)}

	if to == protocol.StateProcessing {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if to.Terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	if attempt > 0 {
		sets = append(sets, "attempt_count = MAX(attempt_count, ?)")
		args = append(args, attempt)
	}
	if wireErr != nil {
		sets = append(sets, "error_kind = ?", "error_detail = ?")
		args = append(args, string(wireErr.Kind), wireErr.Detail)
	}
	args = append(args, id, current)

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND state = ?`
	if s.dialect.Name() == "postgres" {
		query = strings.Replace(query, "MAX(attempt_count, ?)", "GREATEST(attempt_count, ?)", 1)
	}
	res, err := tx.ExecContext(ctx, s.query(query), args...)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost a race with another transition; report not applied.
		return &TransitionResult{Applied: false, Previous: from}, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &TransitionResult{Applied: true, Previous: from}, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *BaseStore) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	var where []string
	var args []interface{}

	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RecentJobs returns the most recent jobs across all devices.
func (s *BaseStore) RecentJobs(ctx context.Context, limit int) ([]*Job, error) {
	return s.ListJobs(ctx, JobFilter{Limit: limit})
}

// ElidePayloads blanks inline payloads of jobs created before cutoff. The job
// metadata and state survive; only the ZPL bytes are reclaimed.
func (s *BaseStore) ElidePayloads(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET payload_inline = ?
		WHERE payload_kind = 'inline' AND created_at < ? AND payload_inline != ?
	`
	res, err := s.execContext(ctx, query, ReclaimedPayload, cutoff.UTC(), ReclaimedPayload)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpireStaleJobs marks non-terminal jobs created before cutoff as expired and
// returns their ids.
func (s *BaseStore) ExpireStaleJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.query(`
		SELECT id FROM jobs
		WHERE created_at < ? AND state IN ('queued', 'sent', 'processing')
	`), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, s.query(`
		UPDATE jobs
		SET state = 'expired', error_kind = 'expired', error_detail = 'exceeded 24h lifetime', completed_at = ?
		WHERE created_at < ? AND state IN ('queued', 'sent', 'processing')
	`), now, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var j Job
	var source, state string
	var inline, url, file, idemKey, errKind, errDetail sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.DeviceID, &j.PayloadKind, &inline, &url, &file,
		&j.Priority, &source, &j.Wait, &idemKey, &state, &errKind, &errDetail,
		&j.AttemptCount, &j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.PayloadInline = inline.String
	j.PayloadURL = url.String
	j.PayloadFile = file.String
	j.IdempotencyKey = idemKey.String
	j.Source = protocol.Source(source)
	j.State = protocol.JobState(state)
	j.ErrorKind = protocol.ErrorKind(errKind.String)
	j.ErrorDetail = errDetail.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// ============================================================================
// API credentials
// ============================================================================

// CreateCredential stores a new API credential digest.
func (s *BaseStore) CreateCredential(ctx context.Context, c *APICredential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO api_credentials (name, prefix, digest, created_by, created_at, active)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if s.dialect.Name() == "postgres" {
		var id int64
		err := s.queryRowContext(ctx, query+` RETURNING id`,
			c.Name, c.Prefix, c.Digest, c.CreatedBy, c.CreatedAt, c.Active).Scan(&id)
		if err != nil {
			return err
		}
		c.ID = id
		return nil
	}
	res, err := s.execContext(ctx, query, c.Name, c.Prefix, c.Digest, c.CreatedBy, c.CreatedAt, c.Active)
	if err != nil {
		return err
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// GetCredentialByDigest looks up a credential by its token digest.
func (s *BaseStore) GetCredentialByDigest(ctx context.Context, digest string) (*APICredential, error) {
	query := `
		SELECT id, name, prefix, digest, created_by, created_at, last_used_at, active
		FROM api_credentials
		WHERE digest = ?
	`
	var c APICredential
	var createdBy sql.NullString
	var lastUsed sql.NullTime
	err := s.queryRowContext(ctx, query, digest).Scan(
		&c.ID, &c.Name, &c.Prefix, &c.Digest, &createdBy, &c.CreatedAt, &lastUsed, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedBy = createdBy.String
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	return &c, nil
}

// TouchCredential records the last use of a credential.
func (s *BaseStore) TouchCredential(ctx context.Context, id int64, at time.Time) error {
	_, err := s.execContext(ctx, `UPDATE api_credentials SET last_used_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

// RevokeCredential deactivates a credential immediately without deleting it.
func (s *BaseStore) RevokeCredential(ctx context.Context, id int64) error {
	res, err := s.execContext(ctx, `UPDATE api_credentials SET active = ? WHERE id = ?`, false, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCredential removes a credential record entirely.
func (s *BaseStore) DeleteCredential(ctx context.Context, id int64) error {
	res, err := s.execContext(ctx, `DELETE FROM api_credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCredentials returns all credentials, newest first.
func (s *BaseStore) ListCredentials(ctx context.Context) ([]*APICredential, error) {
	query := `
		SELECT id, name, prefix, digest, created_by, created_at, last_used_at, active
		FROM api_credentials
		ORDER BY created_at DESC
	`
	rows, err := s.queryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*APICredential
	for rows.Next() {
		var c APICredential
		var createdBy sql.NullString
		var lastUsed sql.NullTime
		if err := rows.Scan(&c.ID, &c.Name, &c.Prefix, &c.Digest, &createdBy, &c.CreatedAt, &lastUsed, &c.Active); err != nil {
			return nil, err
		}
		c.CreatedBy = createdBy.String
		if lastUsed.Valid {
			t := lastUsed.Time
			c.LastUsedAt = &t
		}
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

// ============================================================================
// Offline queue
// ============================================================================

// EnqueueOffline stages a command for a disconnected device. The per-device
// queue is bounded; overflow is rejected with ErrOfflineQueueFull, never
// silently dropped.
func (s *BaseStore) EnqueueOffline(ctx context.Context, e *OfflineEntry, maxPerDevice int) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if maxPerDevice > 0 {
		var count int
		err := tx.QueryRowContext(ctx, s.query(`SELECT COUNT(*) FROM offline_queue WHERE device_id = ?`), e.DeviceID).Scan(&count)
		if err != nil {
			return err
		}
		if count >= maxPerDevice {
			return fmt.Errorf("device %s: %w", e.DeviceID, ErrOfflineQueueFull)
		}
	}

	_, err = tx.ExecContext(ctx, s.query(`
		INSERT INTO offline_queue (device_id, job_id, envelope, enqueued_at, attempts)
		VALUES (?, ?, ?, ?, ?)
	`), e.DeviceID, e.JobID, e.Envelope, e.EnqueuedAt, e.Attempts)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// NextOffline returns the oldest staged entry for a device.
func (s *BaseStore) NextOffline(ctx context.Context, deviceID string) (*OfflineEntry, error) {
	query := `
		SELECT id, device_id, job_id, envelope, enqueued_at, attempts
		FROM offline_queue
		WHERE device_id = ?
		ORDER BY id
		LIMIT 1
	`
	var e OfflineEntry
	err := s.queryRowContext(ctx, query, deviceID).Scan(
		&e.ID, &e.DeviceID, &e.JobID, &e.Envelope, &e.EnqueuedAt, &e.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteOffline removes an entry after a successful publish.
func (s *BaseStore) DeleteOffline(ctx context.Context, id int64) error {
	_, err := s.execContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id)
	return err
}

// DeleteOfflineByJob removes any staged entry carrying the given job,
// regardless of queue position. Used by cancel.
func (s *BaseStore) DeleteOfflineByJob(ctx context.Context, jobID string) error {
	_, err := s.execContext(ctx, `DELETE FROM offline_queue WHERE job_id = ?`, jobID)
	return err
}

// BumpOfflineAttempts increments the publish attempt counter for an entry.
func (s *BaseStore) BumpOfflineAttempts(ctx context.Context, id int64) error {
	_, err := s.execContext(ctx, `UPDATE offline_queue SET attempts = attempts + 1 WHERE id = ?`, id)
	return err
}

// CountOffline returns the number of staged entries for a device.
func (s *BaseStore) CountOffline(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := s.queryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue WHERE device_id = ?`, deviceID).Scan(&count)
	return count, err
}

// DropOfflineForDevice discards all staged entries for a device.
func (s *BaseStore) DropOfflineForDevice(ctx context.Context, deviceID string) error {
	_, err := s.execContext(ctx, `DELETE FROM offline_queue WHERE device_id = ?`, deviceID)
	return err
}

// ExpireOffline removes entries enqueued before cutoff and returns the job ids
// they carried.
func (s *BaseStore) ExpireOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.query(`SELECT job_id FROM offline_queue WHERE enqueued_at < ?`), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, s.query(`DELETE FROM offline_queue WHERE enqueued_at < ?`), cutoff.UTC()); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

// ============================================================================
// Label sizes
// ============================================================================

// CreateLabelSize adds a catalog entry.
func (s *BaseStore) CreateLabelSize(ctx context.Context, ls *LabelSize) error {
	query := `INSERT INTO label_sizes (name, width_mm, height_mm) VALUES (?, ?, ?)`
	if s.dialect.Name() == "postgres" {
		err := s.queryRowContext(ctx, query+` RETURNING id`, ls.Name, ls.WidthMM, ls.HeightMM).Scan(&ls.ID)
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("label size %s: %w", ls.Name, ErrDuplicate)
		}
		return err
	}
	res, err := s.execContext(ctx, query, ls.Name, ls.WidthMM, ls.HeightMM)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("label size %s: %w", ls.Name, ErrDuplicate)
		}
		return err
	}
	ls.ID, _ = res.LastInsertId()
	return nil
}

// ListLabelSizes returns the catalog ordered by name.
func (s *BaseStore) ListLabelSizes(ctx context.Context) ([]*LabelSize, error) {
	rows, err := s.queryContext(ctx, `SELECT id, name, width_mm, height_mm FROM label_sizes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sizes []*LabelSize
	for rows.Next() {
		var ls LabelSize
		if err := rows.Scan(&ls.ID, &ls.Name, &ls.WidthMM, &ls.HeightMM); err != nil {
			return nil, err
		}
		sizes = append(sizes, &ls)
	}
	return sizes, rows.Err()
}

// ============================================================================
// Helpers
// ============================================================================

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// isUniqueViolation reports whether err looks like a unique constraint
// violation on either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "SQLSTATE 23505") || // pgx
		strings.Contains(msg, "duplicate key value")
}
