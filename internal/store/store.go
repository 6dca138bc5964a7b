// Package store is the durable operation log of the offline sync engine.
//
// Every queued or failed operation is one row in the operations table, keyed
// by id. Writes are per-operation transactions, so a crash never exposes a
// half-written record, and everything appended reappears in LoadPending
// after a restart until it is removed.
//
// Layout:
//   - operations: one row per pending/in-flight/retrying/failed operation
//   - operation_deps: dependency edges (operation -> prerequisite id)
//   - completed_operations: tombstones of acknowledged operations; they make
//     dependencies satisfiable after the operation itself is gone and stop ids
//     from ever being reused
//   - entity_snapshots: last known origin state per entity version
//   - conflicts: detected conflicts and their resolutions
//   - kv: small key-value records (config overrides, pull cursor)
//
// The database runs embedded SQLite in WAL mode.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
)

// Well-known kv keys.
const (
	KeyConfigOverrides = "config.overrides"
	KeyPullCursor      = "sync.pull_cursor"
	KeyClientID        = "sync.client_id"
)

// Store wraps the SQLite connection holding the operation log.
type Store struct {
	conn    *sql.DB
	path    string
	maxSize atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize bounds the database size in bytes. Appends that would grow the
// log beyond the quota fail with ErrStorageFull. Zero means unbounded.
func WithMaxSize(n int64) Option {
	return func(s *Store) {
		s.maxSize.Store(n)
	}
}

// Open opens (creating if needed) the log at path and initializes the schema.
//
// The caller MUST call Close() when done.
func Open(path string, opts ...Option) (*Store, error) {
	return OpenContext(context.Background(), path, opts...)
}

// OpenContext opens the log with context support.
func OpenContext(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open(driverName, "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, classify("open database", err)
	}

	// A single writer connection keeps transactions serialized; WAL still
	// lets readers proceed.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn, path: path}
	for _, opt := range opts {
		opt(s)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = s.Close()
			return nil, classify("configure database ("+p+")", err)
		}
	}

	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// MaxSize returns the configured quota in bytes (0 = unbounded).
func (s *Store) MaxSize() int64 {
	return s.maxSize.Load()
}

// SetMaxSize changes the quota. It takes effect on the next append and is
// safe to call while other goroutines use the store.
func (s *Store) SetMaxSize(n int64) {
	s.maxSize.Store(n)
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload BLOB,
		base_version INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		next_attempt_at INTEGER,        -- unix nanos
		superseded_by TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		conflict_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,    -- unix nanos
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operation_deps (
		operation_id TEXT NOT NULL,
		depends_on TEXT NOT NULL,
		PRIMARY KEY (operation_id, depends_on),
		FOREIGN KEY (operation_id) REFERENCES operations(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS completed_operations (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		superseded_by TEXT NOT NULL DEFAULT '',
		completed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entity_snapshots (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload BLOB,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (entity_type, entity_id, version)
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		detected_at INTEGER NOT NULL,
		body TEXT NOT NULL              -- JSON schema.Conflict
	);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	CREATE INDEX IF NOT EXISTS idx_operations_order ON operations(priority DESC, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_deps_on ON operation_deps(depends_on);
	CREATE INDEX IF NOT EXISTS idx_conflicts_operation ON conflicts(operation_id, status);
	`
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return classify("initialize schema", err)
	}
	return nil
}

// Append durably records a new operation. The id must never have been used.
func (s *Store) Append(ctx context.Context, op *schema.Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	if err := s.checkQuota(ctx, op.Size()); err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM operations WHERE id = ?) +
		       (SELECT COUNT(*) FROM completed_operations WHERE id = ?)`,
		op.ID, op.ID).Scan(&exists)
	if err != nil {
		return classify("check operation id", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, op.ID)
	}

	if err := insertOperation(ctx, tx, op); err != nil {
		return classify("append operation", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("commit append", err)
	}
	return nil
}

func insertOperation(ctx context.Context, tx *sql.Tx, op *schema.Operation) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO operations (
		id, kind, entity_type, entity_id, payload, base_version, priority,
		status, retry_count, max_retries, error, next_attempt_at,
		superseded_by, cancel_requested, conflict_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID,
		string(op.Kind),
		op.EntityType,
		op.EntityID,
		[]byte(op.Payload),
		op.BaseVersion,
		int(op.Priority),
		string(op.Status),
		op.RetryCount,
		op.MaxRetries,
		op.Error,
		nanosOrNull(op.NextAttemptAt),
		op.SupersededBy,
		boolToInt(op.CancelRequested),
		op.ConflictID,
		op.CreatedAt.UnixNano(),
		op.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	for _, dep := range op.Dependencies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO operation_deps (operation_id, depends_on) VALUES (?, ?)`,
			op.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

// Patch lists the fields Update changes. Nil fields are left untouched.
type Patch struct {
	Kind            *schema.Kind
	Status          *schema.Status
	RetryCount      *int
	MaxRetries      *int
	Error           *string
	NextAttemptAt   *time.Time // zero time clears the field
	Payload         *schema.Payload
	BaseVersion     *int64
	Priority        *schema.Priority
	SupersededBy    *string
	CancelRequested *bool
	ConflictID      *string
	UpdatedAt       *time.Time
}

// Apply writes the patch onto op in memory.
func (p Patch) Apply(op *schema.Operation) {
	if p.Kind != nil {
		op.Kind = *p.Kind
	}
	if p.Status != nil {
		op.Status = *p.Status
	}
	if p.RetryCount != nil {
		op.RetryCount = *p.RetryCount
	}
	if p.MaxRetries != nil {
		op.MaxRetries = *p.MaxRetries
	}
	if p.Error != nil {
		op.Error = *p.Error
	}
	if p.NextAttemptAt != nil {
		if p.NextAttemptAt.IsZero() {
			op.NextAttemptAt = nil
		} else {
			t := *p.NextAttemptAt
			op.NextAttemptAt = &t
		}
	}
	if p.Payload != nil {
		op.Payload = append(schema.Payload(nil), (*p.Payload)...)
	}
	if p.BaseVersion != nil {
		op.BaseVersion = *p.BaseVersion
	}
	if p.Priority != nil {
		op.Priority = *p.Priority
	}
	if p.SupersededBy != nil {
		op.SupersededBy = *p.SupersededBy
	}
	if p.CancelRequested != nil {
		op.CancelRequested = *p.CancelRequested
	}
	if p.ConflictID != nil {
		op.ConflictID = *p.ConflictID
	}
	if p.UpdatedAt != nil {
		op.UpdatedAt = *p.UpdatedAt
	}
}

// PatchFrom builds a patch that rewrites every mutable field of op.
func PatchFrom(op *schema.Operation) Patch {
	next := time.Time{}
	if op.NextAttemptAt != nil {
		next = *op.NextAttemptAt
	}
	kind := op.Kind
	status := op.Status
	retry := op.RetryCount
	maxRetries := op.MaxRetries
	errText := op.Error
	payload := op.Payload
	base := op.BaseVersion
	priority := op.Priority
	superseded := op.SupersededBy
	cancel := op.CancelRequested
	conflictID := op.ConflictID
	updated := op.UpdatedAt
	return Patch{
		Kind:            &kind,
		Status:          &status,
		RetryCount:      &retry,
		MaxRetries:      &maxRetries,
		Error:           &errText,
		NextAttemptAt:   &next,
		Payload:         &payload,
		BaseVersion:     &base,
		Priority:        &priority,
		SupersededBy:    &superseded,
		CancelRequested: &cancel,
		ConflictID:      &conflictID,
		UpdatedAt:       &updated,
	}
}

// Update applies patch to the operation with the given id atomically.
// Returns ErrNotFound if the operation is not in the log.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	op, err := getOperation(ctx, tx, id)
	if err != nil {
		return err
	}
	patch.Apply(op)
	if patch.UpdatedAt == nil {
		op.UpdatedAt = time.Now().UTC()
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid update of %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE operations SET
		kind = ?, payload = ?, base_version = ?, priority = ?, status = ?,
		retry_count = ?, max_retries = ?, error = ?, next_attempt_at = ?,
		superseded_by = ?, cancel_requested = ?, conflict_id = ?, updated_at = ?
	WHERE id = ?`,
		string(op.Kind),
		[]byte(op.Payload),
		op.BaseVersion,
		int(op.Priority),
		string(op.Status),
		op.RetryCount,
		op.MaxRetries,
		op.Error,
		nanosOrNull(op.NextAttemptAt),
		op.SupersededBy,
		boolToInt(op.CancelRequested),
		op.ConflictID,
		op.UpdatedAt.UnixNano(),
		id,
	)
	if err != nil {
		return classify("update operation "+id, err)
	}
	if err := tx.Commit(); err != nil {
		return classify("commit update", err)
	}
	return nil
}

// Remove deletes an operation from the log.
// Returns nil if the operation doesn't exist (idempotent).
func (s *Store) Remove(ctx context.Context, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()
	if err := deleteOperation(ctx, tx, id); err != nil {
		return classify("remove operation "+id, err)
	}
	if err := tx.Commit(); err != nil {
		return classify("commit remove", err)
	}
	return nil
}

func deleteOperation(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM operation_deps WHERE operation_id = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
	return err
}

// MarkCompleted removes the operation and records its tombstone in one
// transaction, so dependents observe the prerequisite as completed.
func (s *Store) MarkCompleted(ctx context.Context, id, supersededBy string, at time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	op, err := getOperation(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO completed_operations (id, entity_type, entity_id, superseded_by, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		op.ID, op.EntityType, op.EntityID, supersededBy, at.UnixNano()); err != nil {
		return classify("record completion of "+id, err)
	}
	if err := deleteOperation(ctx, tx, id); err != nil {
		return classify("remove completed operation "+id, err)
	}
	if err := tx.Commit(); err != nil {
		return classify("commit completion", err)
	}
	return nil
}

// Get returns a single operation by id.
func (s *Store) Get(ctx context.Context, id string) (*schema.Operation, error) {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classify("begin transaction", err)
	}
	defer tx.Rollback()
	return getOperation(ctx, tx, id)
}

const operationColumns = `
	id, kind, entity_type, entity_id, payload, base_version, priority,
	status, retry_count, max_retries, error, next_attempt_at,
	superseded_by, cancel_requested, conflict_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func getOperation(ctx context.Context, tx *sql.Tx, id string) (*schema.Operation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("read operation "+id, err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT depends_on FROM operation_deps WHERE operation_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, classify("read dependencies", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, classify("scan dependency", err)
		}
		op.Dependencies = append(op.Dependencies, dep)
	}
	return op, rows.Err()
}

func scanOperation(r rowScanner) (*schema.Operation, error) {
	var (
		op                 schema.Operation
		kind, status       string
		priority, cancel   int
		payload            []byte
		nextAttempt        sql.NullInt64
		createdAt, updated int64
	)
	err := r.Scan(
		&op.ID,
		&kind,
		&op.EntityType,
		&op.EntityID,
		&payload,
		&op.BaseVersion,
		&priority,
		&status,
		&op.RetryCount,
		&op.MaxRetries,
		&op.Error,
		&nextAttempt,
		&op.SupersededBy,
		&cancel,
		&op.ConflictID,
		&createdAt,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	op.Kind = schema.Kind(kind)
	op.Status = schema.Status(status)
	op.Priority = schema.Priority(priority)
	op.CancelRequested = cancel != 0
	if len(payload) > 0 {
		op.Payload = schema.Payload(payload)
	}
	if nextAttempt.Valid {
		t := time.Unix(0, nextAttempt.Int64).UTC()
		op.NextAttemptAt = &t
	}
	op.CreatedAt = time.Unix(0, createdAt).UTC()
	op.UpdatedAt = time.Unix(0, updated).UTC()
	return &op, nil
}

// LoadPending returns every operation still in the log (pending, in-flight,
// retrying and failed), ordered by creation time.
func (s *Store) LoadPending(ctx context.Context) ([]*schema.Operation, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("query operations", err)
	}
	var ops []*schema.Operation
	byID := make(map[string]*schema.Operation)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return nil, classify("scan operation", err)
		}
		ops = append(ops, op)
		byID[op.ID] = op
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classify("iterate operations", err)
	}
	rows.Close()

	deps, err := s.conn.QueryContext(ctx,
		`SELECT operation_id, depends_on FROM operation_deps ORDER BY rowid`)
	if err != nil {
		return nil, classify("query dependencies", err)
	}
	defer deps.Close()
	for deps.Next() {
		var from, to string
		if err := deps.Scan(&from, &to); err != nil {
			return nil, classify("scan dependency", err)
		}
		if op, ok := byID[from]; ok {
			op.Dependencies = append(op.Dependencies, to)
		}
	}
	if err := deps.Err(); err != nil {
		return nil, classify("iterate dependencies", err)
	}
	return ops, nil
}

// Exists reports whether id is queued or was completed before.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM operations WHERE id = ?) +
		       (SELECT COUNT(*) FROM completed_operations WHERE id = ?)`,
		id, id).Scan(&n)
	if err != nil {
		return false, classify("check operation id", err)
	}
	return n > 0, nil
}

// CompletedAmong returns the subset of ids that have a completion tombstone.
func (s *Store) CompletedAmong(ctx context.Context, ids []string) (map[string]bool, error) {
	done := make(map[string]bool)
	if len(ids) == 0 {
		return done, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id FROM completed_operations WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, classify("query completed operations", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan completed operation", err)
		}
		done[id] = true
	}
	return done, rows.Err()
}

// PruneCompleted deletes tombstones older than before that no queued
// operation depends on. Returns the number of tombstones removed.
func (s *Store) PruneCompleted(ctx context.Context, before time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM completed_operations
		WHERE completed_at < ?
		  AND id NOT IN (SELECT depends_on FROM operation_deps)`,
		before.UnixNano())
	if err != nil {
		return 0, classify("prune completed operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Counts returns the number of rows per operation status.
func (s *Store) Counts(ctx context.Context) (map[schema.Status]int, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, classify("count operations", err)
	}
	defer rows.Close()
	counts := make(map[schema.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify("scan count", err)
		}
		counts[schema.Status(status)] = n
	}
	return counts, rows.Err()
}

// Info reports storage pressure for the log.
type Info struct {
	// Used is the size of the database in bytes.
	Used int64 `json:"used"`
	// Available is the headroom left: the smaller of the quota remainder
	// and the free space on the filesystem. -1 means unknown.
	Available int64 `json:"available"`
	// Quota is the configured limit (0 = unbounded).
	Quota int64 `json:"quota"`
}

// GetStorageInfo returns the used and available bytes.
func (s *Store) GetStorageInfo(ctx context.Context) (Info, error) {
	used, err := s.used(ctx)
	if err != nil {
		return Info{}, err
	}
	quota := s.maxSize.Load()
	info := Info{Used: used, Available: -1, Quota: quota}

	free, err := diskFree(filepath.Dir(s.path))
	if err != nil {
		return Info{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	info.Available = free
	if quota > 0 {
		remaining := quota - used
		if remaining < 0 {
			remaining = 0
		}
		if info.Available < 0 || remaining < info.Available {
			info.Available = remaining
		}
	}
	return info, nil
}

func (s *Store) used(ctx context.Context) (int64, error) {
	var pages, pageSize, freePages int64
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, classify("read page count", err)
	}
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, classify("read page size", err)
	}
	if err := s.conn.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freePages); err != nil {
		return 0, classify("read freelist", err)
	}
	used := (pages - freePages) * pageSize
	if fi, err := os.Stat(s.path + "-wal"); err == nil {
		used += fi.Size()
	}
	return used, nil
}

func (s *Store) checkQuota(ctx context.Context, extra int64) error {
	quota := s.maxSize.Load()
	if quota <= 0 {
		return nil
	}
	used, err := s.used(ctx)
	if err != nil {
		return err
	}
	if used+extra > quota {
		return &StorageError{
			Op:  "append operation",
			Err: fmt.Errorf("%w: %d of %d bytes used", ErrStorageFull, used, quota),
		}
	}
	return nil
}

// Snapshot is the last known origin state of an entity at a version.
type Snapshot struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Version    int64          `json:"version"`
	Payload    schema.Payload `json:"payload,omitempty"`
	Deleted    bool           `json:"deleted,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// PutSnapshot records an entity state. Re-recording a version overwrites it.
func (s *Store) PutSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.EntityType == "" || snap.EntityID == "" {
		return fmt.Errorf("snapshot requires entity_type and entity_id")
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO entity_snapshots (entity_type, entity_id, version, payload, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, version) DO UPDATE SET
			payload = excluded.payload,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		snap.EntityType, snap.EntityID, snap.Version, []byte(snap.Payload),
		boolToInt(snap.Deleted), snap.UpdatedAt.UnixNano())
	if err != nil {
		return classify("write snapshot", err)
	}
	return nil
}

// GetSnapshot returns the snapshot of an entity at version, or the latest
// one when version is negative.
func (s *Store) GetSnapshot(ctx context.Context, entityType, entityID string, version int64) (*Snapshot, error) {
	query := `SELECT version, payload, deleted, updated_at FROM entity_snapshots
		WHERE entity_type = ? AND entity_id = ?`
	args := []any{entityType, entityID}
	if version >= 0 {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	snap := Snapshot{EntityType: entityType, EntityID: entityID}
	var payload []byte
	var deleted int
	var updated int64
	err := s.conn.QueryRowContext(ctx, query, args...).Scan(&snap.Version, &payload, &deleted, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s/%s@%d: %w", entityType, entityID, version, ErrNotFound)
	}
	if err != nil {
		return nil, classify("read snapshot", err)
	}
	if len(payload) > 0 {
		snap.Payload = schema.Payload(payload)
	}
	snap.Deleted = deleted != 0
	snap.UpdatedAt = time.Unix(0, updated).UTC()
	return &snap, nil
}

// PruneSnapshots keeps the newest keep versions of every entity.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM entity_snapshots WHERE rowid IN (
			SELECT rowid FROM (
				SELECT rowid, ROW_NUMBER() OVER (
					PARTITION BY entity_type, entity_id ORDER BY version DESC
				) AS rn
				FROM entity_snapshots
			) WHERE rn > ?
		)`, keep)
	if err != nil {
		return 0, classify("prune snapshots", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveConflict inserts or replaces a conflict record.
func (s *Store) SaveConflict(ctx context.Context, c *schema.Conflict) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO conflicts (id, operation_id, status, detected_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			body = excluded.body`,
		c.ID, c.OperationID, string(c.Status), c.DetectedAt.UnixNano(), string(body))
	if err != nil {
		return classify("save conflict", err)
	}
	return nil
}

// GetConflict returns a conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*schema.Conflict, error) {
	var body string
	err := s.conn.QueryRowContext(ctx, `SELECT body FROM conflicts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("read conflict", err)
	}
	return decodeConflict(body)
}

// ListConflicts returns conflicts with the given status (all when empty),
// oldest first.
func (s *Store) ListConflicts(ctx context.Context, status schema.ConflictStatus) ([]*schema.Conflict, error) {
	query := `SELECT body FROM conflicts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY detected_at, id`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query conflicts", err)
	}
	defer rows.Close()

	var out []*schema.Conflict
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, classify("scan conflict", err)
		}
		c, err := decodeConflict(body)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteResolvedConflicts prunes the resolved-conflict history.
func (s *Store) DeleteResolvedConflicts(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM conflicts WHERE status = ?`,
		string(schema.ConflictResolved))
	if err != nil {
		return 0, classify("delete resolved conflicts", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func decodeConflict(body string) (*schema.Conflict, error) {
	var c schema.Conflict
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("failed to decode conflict: %w", err)
	}
	return &c, nil
}

// GetKV returns the value stored under key.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("read "+key, err)
	}
	return value, true, nil
}

// SetKV stores value under key.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano())
	if err != nil {
		return classify("write "+key, err)
	}
	return nil
}

// DeleteKV removes key. Missing keys are ignored.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return classify("delete "+key, err)
	}
	return nil
}

func nanosOrNull(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
