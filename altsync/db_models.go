// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import (
	"encoding/json"
	"time"
)

// Database entity models for the PostgreSQL sync schema.

// RecordMetaEntity is a row in sync.record_meta: per-record concurrency and
// lifecycle state. The server is the sole issuer of version and updated_at.
type RecordMetaEntity struct {
	UserID     string    `db:"user_id"`
	Collection string    `db:"collection"`
	RecordID   string    `db:"record_id"`
	Version    int64     `db:"server_version"`
	Deleted    bool      `db:"deleted"`
	UpdatedAt  time.Time `db:"updated_at"`
	DeviceID   string    `db:"device_id"` // Last accepted writer
}

// RecordStateEntity is a row in sync.record_state: the current after-image
// used for snapshot hydration and conflict responses.
type RecordStateEntity struct {
	UserID     string          `db:"user_id"`
	Collection string          `db:"collection"`
	RecordID   string          `db:"record_id"`
	Payload    json.RawMessage `db:"payload"`
}

// ChangeLogEntity is a row in sync.change_log: the distribution log that
// backs idempotency and the download stream.
type ChangeLogEntity struct {
	ServerSeq  int64           `db:"server_seq"`
	UserID     string          `db:"user_id"`
	Collection string          `db:"collection"`
	RecordID   string          `db:"record_id"`
	Op         string          `db:"op"`
	Payload    json.RawMessage `db:"payload"`
	DeviceID   string          `db:"device_id"`
	LocalSeq   int64           `db:"local_seq"`
	Version    int64           `db:"server_version"`
	Timestamp  time.Time       `db:"ts"`
}
