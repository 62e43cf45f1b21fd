// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Statement names for hot-path operations
const (
	stmtApplyUpsert = "a_apply_upsert"
	stmtApplyDelete = "a_apply_delete"
)

// prepareUploadStatements prepares frequently used statements on the current
// transaction connection. pgx caches prepared statements per connection.
func (s *SyncService) prepareUploadStatements(ctx context.Context, tx pgx.Tx) error {
	// a_apply_upsert: single-statement apply for INSERT/UPDATE, combining the
	// idempotency gate, the optimistic version gate, the record_state upsert,
	// and the change_log insertion.
	//
	// Returns:
	//   code:
	//     0 = idempotent (user/device/local_seq triplet already exists)
	//     1 = applied
	//     2 = conflict (record exists but version mismatch)
	//     3 = internal error (non-zero client_version but no record meta)
	//   new_version: (client_version + 1) when applied, else 0
	//   new_updated_at: authoritative timestamp when applied, else epoch
	if _, err := tx.Prepare(ctx, stmtApplyUpsert, `
WITH gate AS (
  INSERT INTO sync.change_log
      (user_id, collection, record_id, op, payload, device_id, local_seq, server_version)
  VALUES ($1, $2, $3, $4, $5::json, $6, $7, ($8 + 1))
  ON CONFLICT (user_id, device_id, local_seq) DO NOTHING
  RETURNING 1
),
ensure_meta AS (
  INSERT INTO sync.record_meta (user_id, collection, record_id, device_id)
  SELECT $1, $2, $3, $6
  WHERE $8 = 0 AND EXISTS (SELECT 1 FROM gate)
  ON CONFLICT (user_id, collection, record_id) DO NOTHING
),
vg AS (
  UPDATE sync.record_meta
  SET server_version = server_version + 1,
      deleted = FALSE,
      updated_at = now(),
      device_id = $6
  WHERE user_id = $1
    AND collection = $2
    AND record_id = $3
    AND server_version = $8
    AND EXISTS (SELECT 1 FROM gate)
  RETURNING 1
),
state_upsert AS (
  INSERT INTO sync.record_state (user_id, collection, record_id, payload)
  SELECT $1, $2, $3, $5::json
  FROM vg
  ON CONFLICT (user_id, collection, record_id) DO UPDATE
  SET payload = EXCLUDED.payload
),
cleanup AS (
  DELETE FROM sync.change_log
  WHERE user_id = $1
    AND device_id = $6
    AND local_seq = $7
    AND EXISTS (SELECT 1 FROM gate)
    AND NOT EXISTS (SELECT 1 FROM vg)
)
SELECT
  CASE
    WHEN NOT EXISTS (SELECT 1 FROM gate) THEN 0
    WHEN EXISTS (SELECT 1 FROM vg) THEN 1
    WHEN EXISTS (
      SELECT 1
      FROM sync.record_meta
      WHERE user_id = $1 AND collection = $2 AND record_id = $3
    ) THEN 2
    ELSE 3
  END AS code,
  CASE WHEN EXISTS (SELECT 1 FROM vg) THEN ($8 + 1) ELSE 0 END AS new_version,
  CASE WHEN EXISTS (SELECT 1 FROM vg) THEN now() ELSE to_timestamp(0) END AS new_updated_at
`); err != nil {
		return err
	}

	// a_apply_delete: single-statement apply for DELETE. Deletions are soft:
	// the meta row flips to a tombstone, only record_state is removed.
	//
	// Returns:
	//   code:
	//     0 = idempotent (triplet already exists)
	//     1 = applied
	//     2 = conflict (record exists but version mismatch)
	//     3 = idempotent (record never existed)
	//   new_version: (client_version + 1) when applied, else 0
	//   new_updated_at: authoritative timestamp when applied, else epoch
	if _, err := tx.Prepare(ctx, stmtApplyDelete, `
WITH gate AS (
  INSERT INTO sync.change_log
      (user_id, collection, record_id, op, payload, device_id, local_seq, server_version)
  VALUES ($1, $2, $3, $4, NULL, $5, $6, ($7 + 1))
  ON CONFLICT (user_id, device_id, local_seq) DO NOTHING
  RETURNING 1
),
vg AS (
  UPDATE sync.record_meta
  SET server_version = server_version + 1,
      deleted = TRUE,
      updated_at = now(),
      device_id = $5
  WHERE user_id = $1
    AND collection = $2
    AND record_id = $3
    AND server_version = $7
    AND EXISTS (SELECT 1 FROM gate)
  RETURNING 1
),
state_delete AS (
  DELETE FROM sync.record_state
  WHERE user_id = $1
    AND collection = $2
    AND record_id = $3
    AND EXISTS (SELECT 1 FROM vg)
),
cleanup AS (
  DELETE FROM sync.change_log
  WHERE user_id = $1
    AND device_id = $5
    AND local_seq = $6
    AND EXISTS (SELECT 1 FROM gate)
    AND NOT EXISTS (SELECT 1 FROM vg)
)
SELECT
  CASE
    WHEN NOT EXISTS (SELECT 1 FROM gate) THEN 0
    WHEN EXISTS (SELECT 1 FROM vg) THEN 1
    WHEN EXISTS (
      SELECT 1
      FROM sync.record_meta
      WHERE user_id = $1 AND collection = $2 AND record_id = $3
    ) THEN 2
    ELSE 3
  END AS code,
  CASE WHEN EXISTS (SELECT 1 FROM vg) THEN ($7 + 1) ELSE 0 END AS new_version,
  CASE WHEN EXISTS (SELECT 1 FROM vg) THEN now() ELSE to_timestamp(0) END AS new_updated_at
`); err != nil {
		return err
	}
	return nil
}
