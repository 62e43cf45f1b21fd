// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

// Operation constants for oplog entries
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Status constants for per-entry upload statuses
const (
	StApplied  = "applied"
	StConflict = "conflict"
	StInvalid  = "invalid"
)

// Invalid reason constants
const (
	ReasonBadPayload             = "bad_payload"
	ReasonBatchTooLarge          = "batch_too_large"
	ReasonInternalError          = "internal_error"
	ReasonUnregisteredCollection = "unregistered_collection"
)
