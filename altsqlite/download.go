// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/getaltair/altair-sync/altsync"
)

// Pull downloads and applies all changes after the device's checkpoint.
// Pages within one pull share a frozen window so concurrent uploads cannot
// shift pagination. A device without a checkpoint hydrates from a snapshot
// instead. Each page applies in its own short write transaction; no lock
// is held across the page fetches, so local writes never wait on the
// network. Returns the number of records applied.
func (c *Client) Pull(ctx context.Context) (int, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	token, found, err := c.loadCheckpoint(ctx)
	if err != nil {
		return 0, err
	}
	if !found {
		return c.hydrate(ctx)
	}
	if _, err := altsync.ParseCheckpoint(token); err != nil {
		// Corrupt checkpoint: the only safe recovery is a full resync.
		c.logger.Warn("Checkpoint token is corrupt, forcing full resync", "token", token)
		return c.hydrate(ctx)
	}

	applied := 0
	window := ""
	for {
		resp, err := c.sendPull(ctx, token, c.config.DownloadLimit, window)
		if err != nil {
			return applied, err
		}

		n, err := c.applyPullPage(ctx, resp)
		applied += n
		if err != nil {
			return applied, err
		}

		if !resp.HasMore {
			return applied, nil
		}
		token = resp.Checkpoint
		window = resp.Window
	}
}

// Hydrate rebuilds local state from a full server snapshot. Pending local
// mutations survive: records with unacknowledged oplog entries keep their
// working copy and go through conflict resolution on the next flush.
func (c *Client) Hydrate(ctx context.Context) (int, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	return c.hydrate(ctx)
}

func (c *Client) hydrate(ctx context.Context) (int, error) {
	applied := 0
	afterKey := ""
	checkpoint := ""
	for {
		resp, err := c.sendSnapshot(ctx, afterKey, c.config.DownloadLimit)
		if err != nil {
			return applied, err
		}
		// The snapshot checkpoint is read before the first page server-side;
		// resuming from it after hydration cannot skip changes.
		if checkpoint == "" {
			checkpoint = resp.Checkpoint
		}

		n, err := c.applySnapshotPage(ctx, resp)
		applied += n
		if err != nil {
			return applied, err
		}

		if !resp.HasMore || len(resp.Records) == 0 {
			break
		}
		last := resp.Records[len(resp.Records)-1]
		afterKey = altsync.SnapshotKey(last)
	}

	if checkpoint != "" {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		tx, err := c.DB.BeginTx(ctx, nil)
		if err != nil {
			return applied, storageErr("failed to begin checkpoint transaction: %w", err)
		}
		defer tx.Rollback()
		if err := c.saveCheckpointTx(ctx, tx, checkpoint); err != nil {
			return applied, err
		}
		if err := tx.Commit(); err != nil {
			return applied, storageErr("failed to commit checkpoint: %w", err)
		}
	}
	return applied, nil
}

// applyPullPage applies one page atomically: every record lands and the
// checkpoint advances, or the transaction rolls back and the page is
// re-fetched intact on the next pull.
func (c *Client) applyPullPage(ctx context.Context, resp *altsync.PullResponse) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for i := range resp.Records {
		rec := &resp.Records[i]
		// The server filters our own changes, but a recovering device may
		// see them via include-self paths; never re-apply our own writes.
		if rec.DeviceID == c.DeviceID {
			continue
		}
		if err := c.applyRemoteRecordTx(ctx, tx, rec); err != nil {
			return applied, err
		}
		applied++
	}

	if err := c.saveCheckpointTx(ctx, tx, resp.Checkpoint); err != nil {
		return applied, err
	}
	if err := tx.Commit(); err != nil {
		return applied, storageErr("failed to commit pull page: %w", err)
	}
	return applied, nil
}

func (c *Client) applySnapshotPage(ctx context.Context, resp *altsync.PullResponse) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for i := range resp.Records {
		rec := &resp.Records[i]
		if err := c.applyRemoteRecordTx(ctx, tx, rec); err != nil {
			return applied, err
		}
		applied++
	}
	if err := tx.Commit(); err != nil {
		return applied, storageErr("failed to commit snapshot page: %w", err)
	}
	return applied, nil
}

// applyRemoteRecordTx applies one downloaded record. A record with pending
// local mutations routes through the conflict resolver instead of being
// overwritten; a record the device already has at the same or newer version
// is skipped.
func (c *Client) applyRemoteRecordTx(ctx context.Context, tx *sql.Tx, rec *altsync.Record) error {
	var currentVersion int64
	err := tx.QueryRowContext(ctx, `
		SELECT server_version FROM _sync_record
		WHERE collection = ? AND record_id = ?
	`, rec.Collection, rec.ID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storageErr("failed to read record version: %w", err)
	}
	if err == nil && rec.Version <= currentVersion {
		return nil
	}

	pending, err := hasPendingTx(ctx, tx, rec.Collection, rec.ID)
	if err != nil {
		return err
	}
	if !pending {
		return applyRemoteTx(ctx, tx, rec)
	}

	entry, err := newestPendingTx(ctx, tx, rec.Collection, rec.ID)
	if err != nil {
		return err
	}
	_, err = c.resolveConflictTx(ctx, tx, entry, rec)
	return err
}

// newestPendingTx loads the most recent pending entry for a record.
func newestPendingTx(ctx context.Context, tx *sql.Tx, collection, recordID string) (*oplogEntry, error) {
	var e oplogEntry
	err := tx.QueryRowContext(ctx, `
		SELECT local_seq, collection, record_id, op, base_version, payload, ts
		FROM _sync_oplog
		WHERE collection = ? AND record_id = ? AND uploaded = 0
		ORDER BY local_seq DESC
		LIMIT 1
	`, collection, recordID).Scan(&e.localSeq, &e.collection, &e.recordID, &e.op, &e.baseVersion, &e.payload, &e.ts)
	if err != nil {
		return nil, storageErr("failed to load pending entry: %w", err)
	}
	return &e, nil
}
