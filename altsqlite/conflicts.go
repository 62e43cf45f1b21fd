// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Conflict is one entry of the conflict journal. Resolution is empty while
// the conflict awaits a user decision.
type Conflict struct {
	ID         int64           `json:"id"`
	Collection string          `json:"collection"`
	RecordID   string          `json:"record_id"`
	Tier       string          `json:"tier"`
	Base       json.RawMessage `json:"base,omitempty"`
	Local      json.RawMessage `json:"local,omitempty"`
	Remote     json.RawMessage `json:"remote,omitempty"`
	LocalTime  time.Time       `json:"local_time"`
	RemoteTime time.Time       `json:"remote_time"`
	Resolution string          `json:"resolution,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ListConflicts returns unresolved conflicts awaiting a user decision,
// oldest first.
func (c *Client) ListConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, collection, record_id, tier, base_payload, local_payload, remote_payload,
		       local_updated_at, remote_updated_at, resolution, created_at
		FROM _sync_conflict
		WHERE resolution = ''
		ORDER BY id
	`)
	if err != nil {
		return nil, storageErr("failed to query conflicts: %w", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// ConflictHistory returns resolved conflicts, newest first, up to limit.
func (c *Client) ConflictHistory(ctx context.Context, limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, collection, record_id, tier, base_payload, local_payload, remote_payload,
		       local_updated_at, remote_updated_at, resolution, created_at
		FROM _sync_conflict
		WHERE resolution != ''
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, storageErr("failed to query conflict history: %w", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

func scanConflicts(rows *sql.Rows) ([]Conflict, error) {
	var conflicts []Conflict
	for rows.Next() {
		var (
			cf                  Conflict
			base, local, remote sql.NullString
			localAt, remoteAt   string
			createdAt           string
		)
		if err := rows.Scan(&cf.ID, &cf.Collection, &cf.RecordID, &cf.Tier,
			&base, &local, &remote, &localAt, &remoteAt, &cf.Resolution, &createdAt); err != nil {
			return nil, storageErr("failed to scan conflict: %w", err)
		}
		if base.Valid {
			cf.Base = json.RawMessage(base.String)
		}
		if local.Valid {
			cf.Local = json.RawMessage(local.String)
		}
		if remote.Valid {
			cf.Remote = json.RawMessage(remote.String)
		}
		cf.LocalTime = parseTimeText(localAt)
		cf.RemoteTime = parseTimeText(remoteAt)
		cf.CreatedAt = parseTimeText(createdAt)
		conflicts = append(conflicts, cf)
	}
	return conflicts, rows.Err()
}

// ResolveConflict settles a deferred conflict. choice is ResolutionLocal,
// ResolutionRemote, or ResolutionCustom with a payload. The chosen state is
// applied as an ordinary mutation, so it syncs to other devices through the
// normal upload path.
func (c *Client) ResolveConflict(ctx context.Context, conflictID int64, choice string, custom json.RawMessage) error {
	var (
		collection, recordID string
		local, remote        sql.NullString
		resolution           string
	)
	err := c.DB.QueryRowContext(ctx, `
		SELECT collection, record_id, local_payload, remote_payload, resolution
		FROM _sync_conflict WHERE id = ?
	`, conflictID).Scan(&collection, &recordID, &local, &remote, &resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return storageErr("conflict %d not found", conflictID)
	}
	if err != nil {
		return storageErr("failed to read conflict: %w", err)
	}
	if resolution != "" {
		return storageErr("conflict %d is already resolved", conflictID)
	}

	var chosen json.RawMessage
	switch choice {
	case ResolutionLocal:
		if !local.Valid {
			return storageErr("conflict %d has no local payload", conflictID)
		}
		chosen = json.RawMessage(local.String)
	case ResolutionRemote:
		if !remote.Valid {
			return storageErr("conflict %d has no remote payload", conflictID)
		}
		chosen = json.RawMessage(remote.String)
	case ResolutionCustom:
		if len(custom) == 0 {
			return storageErr("custom resolution requires a payload")
		}
		chosen = custom
	default:
		return storageErr("unknown resolution choice %q", choice)
	}

	// Remote choice with the remote state already applied still re-uploads:
	// the resolution is a statement of intent and must win over any later
	// concurrent edit through the normal version gate.
	if err := c.Put(ctx, collection, recordID, chosen); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_conflict SET resolution = ?, resolved_at = ? WHERE id = ?
	`, choice, nowText(), conflictID); err != nil {
		return storageErr("failed to mark conflict resolved: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_record SET conflicted = 0
		WHERE collection = ? AND record_id = ?
	`, collection, recordID); err != nil {
		return storageErr("failed to clear conflict flag: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit resolution: %w", err)
	}
	c.signalChanged()
	return nil
}

// OpenConflictCount returns the number of unresolved conflicts.
func (c *Client) OpenConflictCount(ctx context.Context) (int, error) {
	var n int
	err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_conflict WHERE resolution = ''
	`).Scan(&n)
	if err != nil {
		return 0, storageErr("failed to count conflicts: %w", err)
	}
	return n, nil
}
