// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/getaltair/altair-sync/altsync"
	"github.com/getaltair/altair-sync/merge"
)

// Conflict tiers recorded in the conflict journal.
const (
	TierAuto    = "auto"
	TierSimple  = "simple"
	TierComplex = "complex"
)

// Resolutions recorded in the conflict journal. Empty means unresolved.
const (
	ResolutionLocal  = "local"
	ResolutionRemote = "remote"
	ResolutionMerged = "merged"
	ResolutionCustom = "custom"
)

// resolveConflictTx reconciles one record whose pending local change lost
// the server's version gate. remote is the current authoritative state
// (nil when the server has never seen the record).
//
// Disjoint field changes merge silently and the merged state is requeued.
// Overlapping scalar changes resolve by last-writer-wins and are recorded
// in the conflict journal. Overlapping long-text changes are deferred:
// both versions are preserved and the record is flagged until the user
// decides.
func (c *Client) resolveConflictTx(ctx context.Context, tx *sql.Tx, entry *oplogEntry, remote *altsync.Record) (requeued bool, err error) {
	if remote == nil {
		return c.resolveMissingRemoteTx(ctx, tx, entry)
	}

	var (
		localPayload sql.NullString
		basePayload  sql.NullString
		localDeleted bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT payload, base_payload, deleted FROM _sync_record
		WHERE collection = ? AND record_id = ?
	`, entry.collection, entry.recordID).Scan(&localPayload, &basePayload, &localDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		// No local row at all: accept the server state.
		if err := applyRemoteTx(ctx, tx, remote); err != nil {
			return false, err
		}
		return false, retirePendingTx(ctx, tx, entry.collection, entry.recordID)
	}
	if err != nil {
		return false, storageErr("failed to read record for conflict: %w", err)
	}

	localTS := parseTimeText(entry.ts)
	localIsDelete := entry.op == OpDelete || localDeleted

	// Deletion on either side cannot be field-merged: it resolves by
	// last-writer-wins like an overlapping scalar change.
	if localIsDelete || remote.Deleted {
		return c.resolveSimpleTx(ctx, tx, entry, remote, localPayload, basePayload, localTS)
	}

	base := decodeObject(basePayload)
	local := decodeObject(localPayload)
	remoteMap := decodeRaw(remote.Payload)

	result := merge.Classify(entry.collection, base, local, remoteMap, c.config.FieldTypes)

	switch result.Tier {
	case merge.TierAuto:
		if merge.Equal(result.Merged, remoteMap) {
			// Nothing of ours survives the merge beyond what the server
			// already has.
			if err := applyRemoteTx(ctx, tx, remote); err != nil {
				return false, err
			}
			return false, retirePendingTx(ctx, tx, entry.collection, entry.recordID)
		}
		mergedJSON, err := json.Marshal(result.Merged)
		if err != nil {
			return false, storageErr("failed to marshal merged payload: %w", err)
		}
		if err := c.requeueTx(ctx, tx, entry.collection, entry.recordID, string(mergedJSON), remote); err != nil {
			return false, err
		}
		return true, nil

	case merge.TierSimple:
		return c.resolveSimpleTx(ctx, tx, entry, remote, localPayload, basePayload, localTS)

	default: // merge.TierComplex
		return false, c.deferComplexTx(ctx, tx, entry, remote, localPayload, basePayload, localTS)
	}
}

// resolveMissingRemoteTx handles an update aimed at a record that does not
// exist on the server: the local state is requeued as a creation.
func (c *Client) resolveMissingRemoteTx(ctx context.Context, tx *sql.Tx, entry *oplogEntry) (bool, error) {
	if entry.op == OpDelete || !entry.payload.Valid {
		return false, retirePendingTx(ctx, tx, entry.collection, entry.recordID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_record
		SET server_version = 0, base_payload = NULL
		WHERE collection = ? AND record_id = ?
	`, entry.collection, entry.recordID); err != nil {
		return false, storageErr("failed to reset record version: %w", err)
	}
	if err := retirePendingTx(ctx, tx, entry.collection, entry.recordID); err != nil {
		return false, err
	}
	if err := c.appendOplogTx(ctx, tx, entry.collection, entry.recordID, OpInsert, 0, entry.payload.String, nowText()); err != nil {
		return false, err
	}
	return true, nil
}

// resolveSimpleTx applies last-writer-wins with the deterministic device-id
// tie-break and records the outcome in the conflict journal.
func (c *Client) resolveSimpleTx(ctx context.Context, tx *sql.Tx, entry *oplogEntry, remote *altsync.Record, localPayload, basePayload sql.NullString, localTS time.Time) (bool, error) {
	localWins := merge.LocalWins(localTS, c.DeviceID, remote.UpdatedAt, remote.DeviceID)

	resolution := ResolutionRemote
	if localWins {
		resolution = ResolutionLocal
	}
	if err := c.insertConflictTx(ctx, tx, entry, remote, localPayload, basePayload, localTS, TierSimple, resolution); err != nil {
		return false, err
	}

	if !localWins {
		if err := applyRemoteTx(ctx, tx, remote); err != nil {
			return false, err
		}
		return false, retirePendingTx(ctx, tx, entry.collection, entry.recordID)
	}

	// Local wins: rebase the local state onto the server version and
	// requeue it so the server converges to our side.
	if entry.op == OpDelete || !localPayload.Valid {
		if err := retirePendingTx(ctx, tx, entry.collection, entry.recordID); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_record
			SET server_version = ?, updated_at = ?
			WHERE collection = ? AND record_id = ?
		`, remote.Version, remote.UpdatedAt.UTC().Format(time.RFC3339Nano),
			entry.collection, entry.recordID); err != nil {
			return false, storageErr("failed to rebase record: %w", err)
		}
		if err := c.appendOplogTx(ctx, tx, entry.collection, entry.recordID, OpDelete, remote.Version, "", nowText()); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := c.requeueTx(ctx, tx, entry.collection, entry.recordID, localPayload.String, remote); err != nil {
		return false, err
	}
	return true, nil
}

// deferComplexTx preserves both versions for a user decision. The side with
// the later timestamp becomes the working copy, and the record stays
// flagged until ResolveConflict is called.
func (c *Client) deferComplexTx(ctx context.Context, tx *sql.Tx, entry *oplogEntry, remote *altsync.Record, localPayload, basePayload sql.NullString, localTS time.Time) error {
	if err := c.insertConflictTx(ctx, tx, entry, remote, localPayload, basePayload, localTS, TierComplex, ""); err != nil {
		return err
	}

	working := string(remote.Payload)
	if merge.LocalWins(localTS, c.DeviceID, remote.UpdatedAt, remote.DeviceID) && localPayload.Valid {
		working = localPayload.String
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_record
		SET payload = ?, base_payload = ?, server_version = ?, updated_at = ?,
		    deleted = 0, conflicted = 1
		WHERE collection = ? AND record_id = ?
	`, working, string(remote.Payload), remote.Version,
		remote.UpdatedAt.UTC().Format(time.RFC3339Nano),
		entry.collection, entry.recordID); err != nil {
		return storageErr("failed to flag conflicted record: %w", err)
	}
	return retirePendingTx(ctx, tx, entry.collection, entry.recordID)
}

// requeueTx replaces the pending entries of a record with one entry carrying
// the given payload, rebased onto the remote version.
func (c *Client) requeueTx(ctx context.Context, tx *sql.Tx, collection, recordID, payload string, remote *altsync.Record) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_record
		SET payload = ?, base_payload = ?, server_version = ?, updated_at = ?,
		    deleted = 0, local_updated_at = ?
		WHERE collection = ? AND record_id = ?
	`, payload, string(remote.Payload), remote.Version,
		remote.UpdatedAt.UTC().Format(time.RFC3339Nano), nowText(),
		collection, recordID); err != nil {
		return storageErr("failed to rebase record: %w", err)
	}
	if err := retirePendingTx(ctx, tx, collection, recordID); err != nil {
		return err
	}
	return c.appendOplogTx(ctx, tx, collection, recordID, OpUpdate, remote.Version, payload, nowText())
}

// applyRemoteTx materializes the authoritative server state locally. The
// remote payload becomes both the working copy and the merge base.
func applyRemoteTx(ctx context.Context, tx *sql.Tx, remote *altsync.Record) error {
	updatedAt := remote.UpdatedAt.UTC().Format(time.RFC3339Nano)

	if remote.Deleted {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_record (collection, record_id, payload, base_payload, server_version, updated_at, deleted, conflicted)
			VALUES (?, ?, NULL, NULL, ?, ?, 1, 0)
			ON CONFLICT (collection, record_id) DO UPDATE
			SET payload = NULL, base_payload = NULL,
			    server_version = excluded.server_version,
			    updated_at = excluded.updated_at,
			    deleted = 1, conflicted = 0
		`, remote.Collection, remote.ID, remote.Version, updatedAt); err != nil {
			return storageErr("failed to apply remote tombstone: %w", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_record (collection, record_id, payload, base_payload, server_version, updated_at, deleted, conflicted)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT (collection, record_id) DO UPDATE
		SET payload = excluded.payload,
		    base_payload = excluded.base_payload,
		    server_version = excluded.server_version,
		    updated_at = excluded.updated_at,
		    deleted = 0, conflicted = 0
	`, remote.Collection, remote.ID, string(remote.Payload), string(remote.Payload),
		remote.Version, updatedAt); err != nil {
		return storageErr("failed to apply remote record: %w", err)
	}
	return nil
}

func (c *Client) insertConflictTx(ctx context.Context, tx *sql.Tx, entry *oplogEntry, remote *altsync.Record, localPayload, basePayload sql.NullString, localTS time.Time, tier, resolution string) error {
	resolvedAt := ""
	if resolution != "" {
		resolvedAt = nowText()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_conflict
			(collection, record_id, tier, base_payload, local_payload, remote_payload,
			 local_updated_at, remote_updated_at, local_device, remote_device,
			 resolution, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.collection, entry.recordID, tier,
		nullableString(basePayload), nullableString(localPayload), rawOrNil(remote.Payload),
		localTS.UTC().Format(time.RFC3339Nano),
		remote.UpdatedAt.UTC().Format(time.RFC3339Nano),
		c.DeviceID, remote.DeviceID,
		resolution, nowText(), resolvedAt); err != nil {
		return storageErr("failed to record conflict: %w", err)
	}
	return nil
}

func decodeObject(s sql.NullString) map[string]any {
	if !s.Valid {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func decodeRaw(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func nullableString(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
