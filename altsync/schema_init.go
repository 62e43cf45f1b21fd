// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the sync schema and tables if they don't exist.
func (s *SyncService) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

// initializeSchemaInTx creates the sync tables within an existing transaction.
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// 1) Per-record concurrency + lifecycle (user-scoped). Deletions are
		// tombstones: the row survives with deleted=TRUE.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.record_meta (
			user_id        TEXT        NOT NULL,
			collection     TEXT        NOT NULL,
			record_id      TEXT        NOT NULL,
			server_version BIGINT      NOT NULL DEFAULT 0,
			deleted        BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			device_id      TEXT        NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, collection, record_id)
		)`,

		// 2) Current after-image, used for snapshots and conflict responses.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.record_state (
			user_id    TEXT NOT NULL,
			collection TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			payload    JSON NOT NULL,
			PRIMARY KEY (user_id, collection, record_id)
		)`,

		// 3) Distribution log: idempotency gate + download stream.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.change_log (
			server_seq     BIGSERIAL PRIMARY KEY,
			user_id        TEXT        NOT NULL,
			collection     TEXT        NOT NULL,
			record_id      TEXT        NOT NULL,
			op             TEXT        NOT NULL CHECK (op IN ('INSERT','UPDATE','DELETE')),
			payload        JSON,
			device_id      TEXT        NOT NULL,
			local_seq      BIGINT      NOT NULL,
			server_version BIGINT      NOT NULL DEFAULT 0,
			ts             TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, device_id, local_seq),
			CONSTRAINT change_log_payload_by_op_chk
			CHECK ((op = 'DELETE' AND payload IS NULL) OR (op IN ('INSERT','UPDATE') AND payload IS NOT NULL))
		)`,

		// Download stream is always scanned per user in seq order.
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS change_log_user_seq_idx
			ON sync.change_log (user_id, server_seq)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run sync schema migration: %w", err)
		}
	}
	return nil
}
