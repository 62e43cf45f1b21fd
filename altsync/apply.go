// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// applyUpsert applies one PUT entry (insert or update) inside the batch
// transaction. A savepoint isolates the entry so a statement failure turns
// into a per-entry status instead of poisoning the whole batch.
func (s *SyncService) applyUpsert(ctx context.Context, tx pgx.Tx, userID, deviceID string, entry EntryUpload) (EntryStatus, error) {
	if _, err := tx.Exec(ctx, "SAVEPOINT apply_entry"); err != nil {
		return EntryStatus{}, fmt.Errorf("failed to create savepoint: %w", err)
	}

	var (
		code         int
		newVersion   int64
		newUpdatedAt time.Time
	)
	err := tx.QueryRow(ctx, stmtApplyUpsert,
		userID, entry.Collection, entry.ID, entry.Op, entry.Payload,
		deviceID, entry.LocalSeq, entry.ClientVersion,
	).Scan(&code, &newVersion, &newUpdatedAt)

	if err != nil {
		if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT apply_entry"); rbErr != nil {
			return EntryStatus{}, fmt.Errorf("failed to rollback savepoint: %w", rbErr)
		}
		if txConflictRetryable(err) {
			return EntryStatus{}, err
		}
		s.logger.Warn("Upsert apply failed",
			"user_id", userID, "device_id", deviceID,
			"collection", entry.Collection, "id", entry.ID, "error", err)
		return statusInvalid(entry.LocalSeq, ReasonInternalError, err), nil
	}

	if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT apply_entry"); err != nil {
		return EntryStatus{}, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return s.statusFromApplyCode(ctx, tx, userID, entry, code, newVersion, newUpdatedAt)
}

// applyDelete applies one DELETE entry. Deletes write a tombstone; the
// record row survives with deleted=true so other devices observe the
// removal.
func (s *SyncService) applyDelete(ctx context.Context, tx pgx.Tx, userID, deviceID string, entry EntryUpload) (EntryStatus, error) {
	if _, err := tx.Exec(ctx, "SAVEPOINT apply_entry"); err != nil {
		return EntryStatus{}, fmt.Errorf("failed to create savepoint: %w", err)
	}

	var (
		code         int
		newVersion   int64
		newUpdatedAt time.Time
	)
	err := tx.QueryRow(ctx, stmtApplyDelete,
		userID, entry.Collection, entry.ID, entry.Op,
		deviceID, entry.LocalSeq, entry.ClientVersion,
	).Scan(&code, &newVersion, &newUpdatedAt)

	if err != nil {
		if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT apply_entry"); rbErr != nil {
			return EntryStatus{}, fmt.Errorf("failed to rollback savepoint: %w", rbErr)
		}
		if txConflictRetryable(err) {
			return EntryStatus{}, err
		}
		s.logger.Warn("Delete apply failed",
			"user_id", userID, "device_id", deviceID,
			"collection", entry.Collection, "id", entry.ID, "error", err)
		return statusInvalid(entry.LocalSeq, ReasonInternalError, err), nil
	}

	if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT apply_entry"); err != nil {
		return EntryStatus{}, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return s.statusFromApplyCode(ctx, tx, userID, entry, code, newVersion, newUpdatedAt)
}

// statusFromApplyCode maps the single-statement apply result onto an entry
// status. Codes: 0 = idempotent replay, 1 = applied, 2 = version conflict,
// 3 = target row does not exist.
func (s *SyncService) statusFromApplyCode(ctx context.Context, tx pgx.Tx, userID string, entry EntryUpload, code int, newVersion int64, newUpdatedAt time.Time) (EntryStatus, error) {
	switch code {
	case 0:
		return statusAppliedIdempotent(entry.LocalSeq), nil
	case 1:
		return statusApplied(entry.LocalSeq, newVersion, newUpdatedAt), nil
	case 2:
		remote, err := s.fetchAuthoritativeRecord(ctx, tx, userID, entry.Collection, entry.ID)
		if err != nil {
			return EntryStatus{}, fmt.Errorf("failed to fetch authoritative state: %w", err)
		}
		return statusConflict(entry.LocalSeq, remote), nil
	case 3:
		// Target row does not exist. Deleting a record the server never
		// saw is a no-op; an update is reported as a conflict with no
		// remote state so the client decides whether to re-create or drop.
		if entry.Op == OpDelete {
			return statusAppliedIdempotent(entry.LocalSeq), nil
		}
		return statusConflict(entry.LocalSeq, nil), nil
	default:
		return EntryStatus{}, fmt.Errorf("unexpected apply result code %d", code)
	}
}
