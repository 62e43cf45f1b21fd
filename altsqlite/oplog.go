// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/getaltair/altair-sync/altsync"
)

// Operation names shared with the wire protocol.
const (
	OpInsert = altsync.OpInsert
	OpUpdate = altsync.OpUpdate
	OpDelete = altsync.OpDelete
)

// appendOplogTx allocates the next device-local sequence number and appends
// one oplog entry inside the caller's transaction. The sequence counter and
// the entry commit together, so a replayed upload always reuses the same
// (device_id, local_seq) pair and the server's idempotency gate holds.
func (c *Client) appendOplogTx(ctx context.Context, tx *sql.Tx, collection, id, op string, baseVersion int64, payload, ts string) error {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		SELECT next_local_seq FROM _sync_device WHERE user_id = ?
	`, c.UserID).Scan(&seq)
	if err != nil {
		return storageErr("failed to read local sequence: %w", err)
	}

	var payloadArg any
	if op != OpDelete {
		payloadArg = payload
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_oplog (local_seq, collection, record_id, op, base_version, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, seq, collection, id, op, baseVersion, payloadArg, ts); err != nil {
		return storageErr("failed to append oplog entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_device SET next_local_seq = ? WHERE user_id = ?
	`, seq+1, c.UserID); err != nil {
		return storageErr("failed to advance local sequence: %w", err)
	}
	return nil
}

// oplogEntry is one pending upload candidate.
type oplogEntry struct {
	localSeq    int64
	collection  string
	recordID    string
	op          string
	baseVersion int64
	payload     sql.NullString
	ts          string

	// superseded lists earlier sequence numbers for the same record that
	// this entry coalesces over. They are retired together when the server
	// acknowledges this entry.
	superseded []int64
}

// pendingBatch collects up to limit coalesced entries: for each record with
// pending mutations, only the newest entry is uploaded, rebased so its op
// still makes sense against the record's first pending op (an INSERT
// followed by UPDATEs uploads as an INSERT with the final payload).
func (c *Client) pendingBatch(ctx context.Context, limit int) ([]oplogEntry, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT local_seq, collection, record_id, op, base_version, payload, ts
		FROM _sync_oplog
		WHERE uploaded = 0
		ORDER BY local_seq
	`)
	if err != nil {
		return nil, storageErr("failed to query oplog: %w", err)
	}
	defer rows.Close()

	type key struct{ collection, recordID string }
	var (
		order   []key
		byKey   = make(map[key]*oplogEntry)
		entries []oplogEntry
	)
	for rows.Next() {
		var e oplogEntry
		if err := rows.Scan(&e.localSeq, &e.collection, &e.recordID, &e.op, &e.baseVersion, &e.payload, &e.ts); err != nil {
			return nil, storageErr("failed to scan oplog entry: %w", err)
		}
		k := key{e.collection, e.recordID}
		prev, seen := byKey[k]
		if !seen {
			// Records beyond the batch limit wait for the next flush, but
			// the scan continues so selected records coalesce fully.
			if len(order) == limit {
				continue
			}
			order = append(order, k)
			e2 := e
			byKey[k] = &e2
			continue
		}
		// Coalesce: keep the newest state but remember what it replaces,
		// and preserve INSERT as the effective op for never-synced records.
		superseded := append(prev.superseded, prev.localSeq)
		effectiveOp := e.op
		if prev.op == OpInsert && e.op == OpUpdate {
			effectiveOp = OpInsert
		}
		baseVersion := prev.baseVersion
		e.superseded = superseded
		e.op = effectiveOp
		e.baseVersion = baseVersion
		*prev = e
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to read oplog: %w", err)
	}

	for _, k := range order {
		entries = append(entries, *byKey[k])
	}
	return entries, nil
}

// markUploadedTx flags an acknowledged entry and everything it coalesced
// as uploaded. The rows stay in the oplog until the retention window
// elapses and Prune removes them.
func markUploadedTx(ctx context.Context, tx *sql.Tx, e *oplogEntry) error {
	ackedAt := nowText()
	seqs := append([]int64{e.localSeq}, e.superseded...)
	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_oplog SET uploaded = 1, acked_at = ? WHERE local_seq = ?
		`, ackedAt, seq); err != nil {
			return storageErr("failed to mark oplog entry %d uploaded: %w", seq, err)
		}
	}
	return nil
}

// hasPendingTx reports whether a record still has unacknowledged mutations.
func hasPendingTx(ctx context.Context, tx *sql.Tx, collection, recordID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM _sync_oplog
			WHERE collection = ? AND record_id = ? AND uploaded = 0
		)
	`, collection, recordID).Scan(&exists)
	if err != nil {
		return false, storageErr("failed to check pending entries: %w", err)
	}
	return exists, nil
}

// hasNewerPendingTx reports whether a record gained a pending mutation
// after the given sequence number. True means an acknowledgement for
// afterSeq arrived stale: a local write superseded the in-flight attempt.
func hasNewerPendingTx(ctx context.Context, tx *sql.Tx, collection, recordID string, afterSeq int64) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM _sync_oplog
			WHERE collection = ? AND record_id = ? AND uploaded = 0 AND local_seq > ?
		)
	`, collection, recordID, afterSeq).Scan(&exists)
	if err != nil {
		return false, storageErr("failed to check newer pending entries: %w", err)
	}
	return exists, nil
}

// rebasePendingTx moves the pending entries of a record onto a new server
// version so the follow-up upload passes the version gate.
func rebasePendingTx(ctx context.Context, tx *sql.Tx, collection, recordID string, version int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_oplog SET base_version = ?
		WHERE collection = ? AND record_id = ? AND uploaded = 0
	`, version, collection, recordID); err != nil {
		return storageErr("failed to rebase pending entries: %w", err)
	}
	return nil
}

// retirePendingTx retires all pending entries for one record without a
// server acknowledgement, after a conflict resolution cancelled or
// replaced them. The rows stay for the retention window like acked ones.
func retirePendingTx(ctx context.Context, tx *sql.Tx, collection, recordID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_oplog SET uploaded = 1, acked_at = ?
		WHERE collection = ? AND record_id = ? AND uploaded = 0
	`, nowText(), collection, recordID); err != nil {
		return storageErr("failed to retire pending entries: %w", err)
	}
	return nil
}

// loadCheckpoint returns the persisted checkpoint token. found is false for
// a device that has never completed a download, which must hydrate first.
func (c *Client) loadCheckpoint(ctx context.Context) (token string, found bool, err error) {
	err = c.DB.QueryRowContext(ctx, `
		SELECT token FROM _sync_checkpoint WHERE user_id = ?
	`, c.UserID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("failed to read checkpoint: %w", err)
	}
	return token, token != "", nil
}

// saveCheckpointTx persists a new checkpoint. The checkpoint only moves
// forward: a token that parses to an older position than the stored one is
// ignored, so a duplicated or reordered page can never rewind the stream.
func (c *Client) saveCheckpointTx(ctx context.Context, tx *sql.Tx, token string) error {
	newPos, err := altsync.ParseCheckpoint(token)
	if err != nil {
		return &ProtocolError{Err: err}
	}

	var current string
	serr := tx.QueryRowContext(ctx, `
		SELECT token FROM _sync_checkpoint WHERE user_id = ?
	`, c.UserID).Scan(&current)
	if serr != nil && !errors.Is(serr, sql.ErrNoRows) {
		return storageErr("failed to read checkpoint: %w", serr)
	}
	if serr == nil && current != "" {
		curPos, perr := altsync.ParseCheckpoint(current)
		if perr == nil && newPos <= curPos {
			return nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_checkpoint (user_id, token) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET token = excluded.token
	`, c.UserID, token); err != nil {
		return storageErr("failed to save checkpoint: %w", err)
	}
	return nil
}

// resetCheckpointTx clears the checkpoint, forcing a snapshot hydration.
func (c *Client) resetCheckpointTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_checkpoint (user_id, token) VALUES (?, '')
		ON CONFLICT (user_id) DO UPDATE SET token = ''
	`, c.UserID); err != nil {
		return storageErr("failed to reset checkpoint: %w", err)
	}
	return nil
}
