// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

// Package altsqlite provides the device-side store and sync client for
// Altair single-user multi-device synchronization.
//
// Records are JSON documents addressed by (collection, id). Every local
// mutation commits to SQLite together with an oplog entry in the same
// transaction, so a mutation is either fully durable and queued for upload
// or did not happen at all.
package altsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/getaltair/altair-sync/merge"
)

// Client manages the local SQLite document store and two-way sync.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	UserID   string
	DeviceID string
	HTTP     *http.Client
	config   *Config
	logger   *slog.Logger

	// writeMu serializes write transactions to avoid SQLITE_BUSY. It is
	// held only for the duration of a transaction, never across network
	// I/O, so Put/Delete cannot stall behind an in-flight upload.
	writeMu sync.Mutex
	// syncMu serializes whole sync cycles (Flush/Pull/Hydrate) so two
	// concurrent cycles cannot double-upload or interleave pages.
	syncMu sync.Mutex

	// changed is signalled (coalesced) whenever a local mutation commits,
	// so the coordinator can flush promptly.
	changed chan struct{}
}

// Config holds configuration for the sync client.
type Config struct {
	Collections []string         // Collections this device syncs
	FieldTypes  merge.FieldTypes // Per-field kinds for conflict classification

	UploadLimit    int           // Max entries per upload batch
	DownloadLimit  int           // Max records per pull page
	BackoffMin     time.Duration // Initial retry backoff
	BackoffMax     time.Duration // Backoff ceiling
	RequestTimeout time.Duration // Per-request HTTP timeout
	Retention      time.Duration // Local retention for resolved conflicts and tombstones
}

// DefaultConfig returns the standard client configuration for the given
// collections.
func DefaultConfig(collections []string) *Config {
	return &Config{
		Collections:    collections,
		FieldTypes:     merge.FieldTypes{},
		UploadLimit:    50,
		DownloadLimit:  500,
		BackoffMin:     1 * time.Second,
		BackoffMax:     30 * time.Second,
		RequestTimeout: 30 * time.Second,
		Retention:      30 * 24 * time.Hour,
	}
}

// NewClient creates a sync client over an initialized SQLite handle.
func NewClient(db *sql.DB, baseURL, userID, deviceID string, tok func(ctx context.Context) (string, error), config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if len(config.Collections) == 0 {
		return nil, errors.New("config.Collections must name at least one collection")
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client := &Client{
		DB:       db,
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    tok,
		UserID:   userID,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: config.RequestTimeout},
		config:   config,
		logger:   slog.Default(),
		changed:  make(chan struct{}, 1),
	}
	return client, nil
}

// SetLogger replaces the client logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Changed returns a channel that receives a (coalesced) signal after each
// committed local mutation.
func (c *Client) Changed() <-chan struct{} {
	return c.changed
}

func (c *Client) signalChanged() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// EnsureDeviceID loads the persisted device identity, generating and
// persisting a new UUID on first run. The identity must survive restarts:
// it scopes the oplog sequence the server's idempotency gate keys on.
func EnsureDeviceID(db *sql.DB, userID string) (string, error) {
	if err := initializeDatabase(db); err != nil {
		return "", fmt.Errorf("failed to initialize database: %w", err)
	}

	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_device WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_device (user_id, device_id, next_local_seq)
			VALUES (?, ?, 1)
		`, userID, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert device info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query device info: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase creates the sync metadata tables.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Device identity and the local oplog sequence counter (one row).
		`CREATE TABLE IF NOT EXISTS _sync_device (
			user_id        TEXT NOT NULL,
			device_id      TEXT NOT NULL,
			next_local_seq INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (user_id)
		)`,

		// Download checkpoint (opaque server token). Absent row or empty
		// token means this device must hydrate from a snapshot.
		`CREATE TABLE IF NOT EXISTS _sync_checkpoint (
			user_id TEXT NOT NULL,
			token   TEXT NOT NULL,
			PRIMARY KEY (user_id)
		)`,

		// Append-only oplog of local mutations. uploaded flips to 1 on a
		// positive server acknowledgement (or local retirement); the row
		// itself survives until the retention window elapses and Prune
		// removes it.
		`CREATE TABLE IF NOT EXISTS _sync_oplog (
			local_seq    INTEGER NOT NULL,
			collection   TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('INSERT','UPDATE','DELETE')),
			base_version INTEGER NOT NULL,
			payload      TEXT, -- JSON snapshot at mutation time (NULL for DELETE)
			ts           TEXT NOT NULL,
			uploaded     INTEGER NOT NULL DEFAULT 0,
			acked_at     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (local_seq)
		)`,

		// Local document store. payload is the working copy; base_payload is
		// the last server-acknowledged snapshot, kept for three-way merging.
		`CREATE TABLE IF NOT EXISTS _sync_record (
			collection       TEXT NOT NULL,
			record_id        TEXT NOT NULL,
			payload          TEXT,
			base_payload     TEXT,
			server_version   INTEGER NOT NULL DEFAULT 0,
			updated_at       TEXT NOT NULL DEFAULT '',
			local_updated_at TEXT NOT NULL DEFAULT '',
			deleted          INTEGER NOT NULL DEFAULT 0,
			conflicted       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (collection, record_id)
		)`,

		// Conflict journal: resolved entries for audit, unresolved entries
		// awaiting a user decision.
		`CREATE TABLE IF NOT EXISTS _sync_conflict (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			collection        TEXT NOT NULL,
			record_id         TEXT NOT NULL,
			tier              TEXT NOT NULL,
			base_payload      TEXT,
			local_payload     TEXT,
			remote_payload    TEXT,
			local_updated_at  TEXT NOT NULL,
			remote_updated_at TEXT NOT NULL,
			local_device      TEXT NOT NULL,
			remote_device     TEXT NOT NULL,
			resolution        TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			resolved_at       TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS _sync_oplog_record_idx
			ON _sync_oplog (collection, record_id, local_seq)`,
		`CREATE INDEX IF NOT EXISTS _sync_conflict_open_idx
			ON _sync_conflict (resolution, collection, record_id)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

func (c *Client) isRegistered(collection string) bool {
	for _, col := range c.config.Collections {
		if col == collection {
			return true
		}
	}
	return false
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTimeText(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Put stores a document and queues the mutation for upload, atomically.
func (c *Client) Put(ctx context.Context, collection, id string, payload json.RawMessage) error {
	if !c.isRegistered(collection) {
		return storageErr("collection %q is not configured for sync", collection)
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return storageErr("payload must be a JSON object")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		serverVersion int64
		deleted       bool
		exists        = true
	)
	err = tx.QueryRowContext(ctx, `
		SELECT server_version, deleted FROM _sync_record
		WHERE collection = ? AND record_id = ?
	`, collection, id).Scan(&serverVersion, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return storageErr("failed to read record: %w", err)
	}

	op := OpUpdate
	if !exists || deleted {
		op = OpInsert
	}

	now := nowText()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_record (collection, record_id, payload, server_version, local_updated_at, deleted)
		VALUES (?, ?, ?, 0, ?, 0)
		ON CONFLICT (collection, record_id) DO UPDATE
		SET payload = excluded.payload,
		    local_updated_at = excluded.local_updated_at,
		    deleted = 0
	`, collection, id, string(payload), now); err != nil {
		return storageErr("failed to upsert record: %w", err)
	}

	if err := c.appendOplogTx(ctx, tx, collection, id, op, serverVersion, string(payload), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit mutation: %w", err)
	}
	c.signalChanged()
	return nil
}

// Delete tombstones a document locally and queues the deletion.
// Deleting a record the store does not have is a no-op.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if !c.isRegistered(collection) {
		return storageErr("collection %q is not configured for sync", collection)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		serverVersion int64
		deleted       bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT server_version, deleted FROM _sync_record
		WHERE collection = ? AND record_id = ?
	`, collection, id).Scan(&serverVersion, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return nil
	}
	if err != nil {
		return storageErr("failed to read record: %w", err)
	}

	now := nowText()
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_record
		SET payload = NULL, deleted = 1, local_updated_at = ?
		WHERE collection = ? AND record_id = ?
	`, now, collection, id); err != nil {
		return storageErr("failed to tombstone record: %w", err)
	}

	if err := c.appendOplogTx(ctx, tx, collection, id, OpDelete, serverVersion, "", now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit deletion: %w", err)
	}
	c.signalChanged()
	return nil
}

// Get returns the working copy of a document. The second result is false
// when the document does not exist or is tombstoned.
func (c *Client) Get(ctx context.Context, collection, id string) (json.RawMessage, bool, error) {
	var (
		payload sql.NullString
		deleted bool
	)
	err := c.DB.QueryRowContext(ctx, `
		SELECT payload, deleted FROM _sync_record
		WHERE collection = ? AND record_id = ?
	`, collection, id).Scan(&payload, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("failed to read record: %w", err)
	}
	if deleted || !payload.Valid {
		return nil, false, nil
	}
	return json.RawMessage(payload.String), true, nil
}

// List returns the ids of all live documents in a collection, sorted.
func (c *Client) List(ctx context.Context, collection string) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT record_id FROM _sync_record
		WHERE collection = ? AND deleted = 0
		ORDER BY record_id
	`, collection)
	if err != nil {
		return nil, storageErr("failed to list records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingCount returns the number of unacknowledged oplog entries.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := c.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_oplog WHERE uploaded = 0`).Scan(&n)
	if err != nil {
		return 0, storageErr("failed to count pending entries: %w", err)
	}
	return n, nil
}

// Prune removes acknowledged oplog entries, resolved conflict journal
// entries, and acknowledged tombstones older than the retention window.
// Pending oplog entries and the tombstones they reference are never
// pruned.
func (c *Client) Prune(ctx context.Context) error {
	if c.config.Retention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-c.config.Retention).Format(time.RFC3339Nano)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_oplog
		WHERE uploaded = 1 AND acked_at != '' AND acked_at < ?
	`, cutoff); err != nil {
		return storageErr("failed to prune oplog: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_conflict
		WHERE resolution != '' AND resolved_at != '' AND resolved_at < ?
	`, cutoff); err != nil {
		return storageErr("failed to prune conflicts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_record
		WHERE deleted = 1
		  AND updated_at != '' AND updated_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM _sync_oplog o
			WHERE o.collection = _sync_record.collection
			  AND o.record_id = _sync_record.record_id
			  AND o.uploaded = 0
		  )
	`, cutoff); err != nil {
		return storageErr("failed to prune tombstones: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit prune: %w", err)
	}
	return nil
}
