// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getaltair/altair-sync/altsync"
)

// Flush uploads all pending oplog entries. Entries for the same record are
// coalesced into the newest state before upload; the superseded entries are
// retired together with the acknowledged one. The upload round-trips run
// without any lock held, so local writes proceed while a batch is in
// flight; an acknowledgement for a record that gained a newer pending
// mutation meanwhile is treated as stale and only advances the server
// version. Returns the number of entries the server accepted.
func (c *Client) Flush(ctx context.Context) (int, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	total := 0
	// Conflict resolution can requeue a rebased entry, so loop until the
	// queue drains or stops shrinking.
	for passes := 0; passes < 10; passes++ {
		entries, err := c.pendingBatch(ctx, c.config.UploadLimit)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			return total, nil
		}

		applied, requeued, err := c.uploadEntriesAdaptive(ctx, entries)
		total += applied
		if err != nil {
			return total, err
		}
		if applied == 0 && !requeued {
			return total, nil
		}
	}
	return total, nil
}

// uploadEntriesAdaptive uploads in chunks, halving the chunk size when the
// server rejects a batch as too large.
func (c *Client) uploadEntriesAdaptive(ctx context.Context, entries []oplogEntry) (applied int, requeued bool, err error) {
	chunkSize := len(entries)
	if c.config.UploadLimit > 0 && c.config.UploadLimit < chunkSize {
		chunkSize = c.config.UploadLimit
	}

	for start := 0; start < len(entries); {
		if chunkSize < 1 {
			chunkSize = 1
		}
		if chunkSize > len(entries)-start {
			chunkSize = len(entries) - start
		}
		chunk := entries[start : start+chunkSize]

		req := &altsync.UploadRequest{Entries: make([]altsync.EntryUpload, len(chunk))}
		for i := range chunk {
			e := &chunk[i]
			up := altsync.EntryUpload{
				LocalSeq:      e.localSeq,
				Collection:    e.collection,
				ID:            e.recordID,
				Op:            e.op,
				ClientVersion: e.baseVersion,
			}
			if e.payload.Valid {
				up.Payload = json.RawMessage(e.payload.String)
			}
			req.Entries[i] = up
		}

		resp, err := c.sendUpload(ctx, req)
		if err != nil {
			return applied, requeued, err
		}

		if !resp.Accepted && containsBatchTooLarge(resp) && chunkSize > 1 {
			newSize := chunkSize / 2
			c.logger.Warn("Server rejected batch as too large; reducing chunk size",
				"from", chunkSize, "to", newSize, "pending", len(entries)-start)
			chunkSize = newSize
			continue
		}

		a, r, err := c.processUploadResponse(ctx, resp, chunk)
		applied += a
		requeued = requeued || r
		if err != nil {
			return applied, requeued, err
		}
		start += chunkSize
	}
	return applied, requeued, nil
}

// processUploadResponse applies per-entry statuses to local state in one
// transaction.
func (c *Client) processUploadResponse(ctx context.Context, resp *altsync.UploadResponse, chunk []oplogEntry) (applied int, requeued bool, err error) {
	if len(resp.Statuses) != len(chunk) {
		return 0, false, &ProtocolError{Err: fmt.Errorf(
			"status count mismatch: sent %d entries, got %d statuses", len(chunk), len(resp.Statuses))}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, storageErr("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range resp.Statuses {
		status := &resp.Statuses[i]
		entry := &chunk[i]
		if status.LocalSeq != entry.localSeq {
			return applied, requeued, &ProtocolError{Err: fmt.Errorf(
				"status order mismatch: expected local_seq %d, got %d", entry.localSeq, status.LocalSeq)}
		}

		switch status.Status {
		case altsync.StApplied:
			applied++
			if err := c.markAckedTx(ctx, tx, entry, status); err != nil {
				return applied, requeued, err
			}

		case altsync.StConflict:
			r, err := c.resolveConflictTx(ctx, tx, entry, status.Remote)
			if err != nil {
				return applied, requeued, err
			}
			requeued = requeued || r

		case altsync.StInvalid:
			if shouldDropInvalid(status) {
				c.logger.Warn("Dropping rejected entry",
					"collection", entry.collection, "id", entry.recordID,
					"reason", invalidReason(status), "message", status.Message)
				if err := markUploadedTx(ctx, tx, entry); err != nil {
					return applied, requeued, err
				}
			} else {
				c.logger.Warn("Retaining pending entry after invalid status",
					"collection", entry.collection, "id", entry.recordID,
					"reason", invalidReason(status), "message", status.Message)
			}

		default:
			c.logger.Warn("Unknown entry status",
				"collection", entry.collection, "id", entry.recordID, "status", status.Status)
		}
	}

	if err := tx.Commit(); err != nil {
		return applied, requeued, storageErr("failed to commit upload result: %w", err)
	}
	return applied, requeued, nil
}

// markAckedTx retires the acknowledged entry and records the authoritative
// version. The uploaded payload becomes the new merge base.
func (c *Client) markAckedTx(ctx context.Context, tx *sql.Tx, entry *oplogEntry, status *altsync.EntryStatus) error {
	if err := markUploadedTx(ctx, tx, entry); err != nil {
		return err
	}

	// An idempotent replay carries no version: the authoritative state for
	// this entry was already recorded by the delivery that first applied it.
	if status.NewVersion == nil {
		return nil
	}

	updatedAt := ""
	if status.NewUpdatedAt != nil {
		updatedAt = status.NewUpdatedAt.UTC().Format(time.RFC3339Nano)
	}

	// A local write that landed while this batch was in flight supersedes
	// the acknowledged state. The server version still advanced, so adopt
	// it as the new base and rebase the pending entries onto it, but leave
	// the working copy alone; the next flush carries the newer state.
	newer, err := hasNewerPendingTx(ctx, tx, entry.collection, entry.recordID, entry.localSeq)
	if err != nil {
		return err
	}
	if newer {
		var basePayload any
		if entry.op != OpDelete && entry.payload.Valid {
			basePayload = entry.payload.String
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_record
			SET server_version = ?, updated_at = ?, base_payload = ?
			WHERE collection = ? AND record_id = ?
		`, *status.NewVersion, updatedAt, basePayload, entry.collection, entry.recordID); err != nil {
			return storageErr("failed to record superseded ack: %w", err)
		}
		return rebasePendingTx(ctx, tx, entry.collection, entry.recordID, *status.NewVersion)
	}

	if entry.op == OpDelete {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_record
			SET server_version = ?, updated_at = ?, base_payload = NULL, deleted = 1
			WHERE collection = ? AND record_id = ?
		`, *status.NewVersion, updatedAt, entry.collection, entry.recordID); err != nil {
			return storageErr("failed to record delete ack: %w", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_record
		SET server_version = ?, updated_at = ?, base_payload = ?
		WHERE collection = ? AND record_id = ?
	`, *status.NewVersion, updatedAt, entry.payload.String, entry.collection, entry.recordID); err != nil {
		return storageErr("failed to record ack: %w", err)
	}
	return nil
}

func containsBatchTooLarge(resp *altsync.UploadResponse) bool {
	for i := range resp.Statuses {
		if invalidReason(&resp.Statuses[i]) == altsync.ReasonBatchTooLarge {
			return true
		}
	}
	return false
}

// shouldDropInvalid returns true only for non-recoverable invalid reasons.
func shouldDropInvalid(status *altsync.EntryStatus) bool {
	switch invalidReason(status) {
	case altsync.ReasonBadPayload, altsync.ReasonUnregisteredCollection:
		return true
	default:
		return false
	}
}

func invalidReason(status *altsync.EntryStatus) string {
	if status.Invalid == nil {
		return ""
	}
	if reason, ok := status.Invalid["reason"].(string); ok {
		return reason
	}
	return ""
}
