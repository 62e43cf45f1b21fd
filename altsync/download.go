// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import (
	"context"
	"fmt"
)

// ProcessPull returns changes for the user after the given checkpoint,
// excluding changes originated by the requesting device. The first page of
// a pull cycle passes until=0; the response's Window is echoed back on
// subsequent pages so the set of visible changes stays frozen while the
// client walks it.
func (s *SyncService) ProcessPull(ctx context.Context, userID, deviceID string, after int64, limit int, until int64) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 500
	}

	// Freeze the upper bound on the first page so concurrent uploads do
	// not shift pagination under the client.
	if until <= 0 {
		wmStart := s.stageStart()
		until = s.getUserHighestSeq(ctx, userID)
		s.observeStage(ctx, MetricsOpPull, MetricsStagePullWatermark, wmStart, 1, false)
	}

	fetchStart := s.stageStart()
	rows, err := s.pool.Query(ctx, `
		SELECT c.server_seq, c.collection, c.record_id,
		       m.server_version, m.deleted, m.updated_at, m.device_id,
		       st.payload
		FROM sync.change_log c
		JOIN sync.record_meta m
		  ON m.user_id = c.user_id
		 AND m.collection = c.collection
		 AND m.record_id = c.record_id
		LEFT JOIN sync.record_state st
		  ON st.user_id = c.user_id
		 AND st.collection = c.collection
		 AND st.record_id = c.record_id
		WHERE c.user_id = $1
		  AND c.server_seq > $2
		  AND c.server_seq <= $3
		  AND c.device_id IS DISTINCT FROM $4
		ORDER BY c.server_seq
		LIMIT $5`,
		userID, after, until, deviceID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query change page: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	hasMore := false
	for rows.Next() {
		if len(records) == limit {
			hasMore = true
			break
		}
		var rec Record
		if err := rows.Scan(&rec.Seq, &rec.Collection, &rec.ID,
			&rec.Version, &rec.Deleted, &rec.UpdatedAt, &rec.DeviceID,
			(*payloadText)(&rec.Payload)); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change page: %w", err)
	}
	s.observeStage(ctx, MetricsOpPull, MetricsStagePullFetch, fetchStart, len(records), false)

	checkpoint := after
	if n := len(records); n > 0 {
		checkpoint = records[n-1].Seq
	}

	return &PullResponse{
		Records:    records,
		Checkpoint: FormatCheckpoint(checkpoint),
		HasMore:    hasMore,
		Window:     FormatCheckpoint(until),
	}, nil
}

// ProcessSnapshot returns the full authoritative state for a user,
// tombstones included, plus the checkpoint the snapshot is valid at. Used
// by devices whose checkpoint is missing or no longer covered by the
// retained change log.
func (s *SyncService) ProcessSnapshot(ctx context.Context, userID string, afterKey string, limit int) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 500
	}

	// The checkpoint is read before the page so a client that applies the
	// whole snapshot and then pulls from this checkpoint never misses a
	// change committed mid-snapshot.
	checkpoint := s.getUserHighestSeq(ctx, userID)
	afterCollection, afterID := splitSnapshotKey(afterKey)

	rows, err := s.pool.Query(ctx, `
		SELECT m.collection, m.record_id,
		       m.server_version, m.deleted, m.updated_at, m.device_id,
		       st.payload
		FROM sync.record_meta m
		LEFT JOIN sync.record_state st
		  ON st.user_id = m.user_id
		 AND st.collection = m.collection
		 AND st.record_id = m.record_id
		WHERE m.user_id = $1
		  AND (m.collection, m.record_id) > ($2, $3)
		ORDER BY m.collection, m.record_id
		LIMIT $4`,
		userID, afterCollection, afterID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot page: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	hasMore := false
	for rows.Next() {
		if len(records) == limit {
			hasMore = true
			break
		}
		var rec Record
		if err := rows.Scan(&rec.Collection, &rec.ID,
			&rec.Version, &rec.Deleted, &rec.UpdatedAt, &rec.DeviceID,
			(*payloadText)(&rec.Payload)); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot page: %w", err)
	}

	return &PullResponse{
		Records:    records,
		Checkpoint: FormatCheckpoint(checkpoint),
		HasMore:    hasMore,
	}, nil
}

// splitSnapshotKey decodes a "collection/record_id" page cursor. An empty
// cursor starts from the beginning.
func splitSnapshotKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// SnapshotKey builds the page cursor for the record following rec.
func SnapshotKey(rec Record) string {
	return rec.Collection + "/" + rec.ID
}

// getUserHighestSeq returns the watermark issued as the user's checkpoint.
// Zero for a user with no changes yet.
func (s *SyncService) getUserHighestSeq(ctx context.Context, userID string) int64 {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(server_seq), 0) FROM sync.change_log WHERE user_id = $1`,
		userID).Scan(&seq)
	if err != nil {
		s.logger.Warn("Failed to read user watermark", "user_id", userID, "error", err)
		return 0
	}
	return seq
}
