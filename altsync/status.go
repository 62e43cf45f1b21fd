// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import "time"

// statusApplied creates a status for an accepted entry carrying the new
// authoritative version and timestamp.
func statusApplied(seq, newVer int64, updatedAt time.Time) EntryStatus {
	return EntryStatus{
		LocalSeq:     seq,
		Status:       StApplied,
		NewVersion:   &newVer,
		NewUpdatedAt: &updatedAt,
	}
}

// statusAppliedIdempotent creates a status for an entry that was already
// processed by a previous delivery.
func statusAppliedIdempotent(seq int64) EntryStatus {
	return EntryStatus{
		LocalSeq: seq,
		Status:   StApplied,
	}
}

// statusConflict creates a status for a version mismatch with the current
// authoritative state attached for client-side classification.
func statusConflict(seq int64, remote *Record) EntryStatus {
	return EntryStatus{
		LocalSeq: seq,
		Status:   StConflict,
		Remote:   remote,
	}
}

// statusInvalid creates a status for a rejected entry.
func statusInvalid(seq int64, reason string, err error) EntryStatus {
	return EntryStatus{
		LocalSeq: seq,
		Status:   StInvalid,
		Message:  err.Error(),
		Invalid: map[string]any{
			"reason":  reason,
			"details": map[string]any{"error": err.Error()},
		},
	}
}

// statusInvalidUnregistered creates a status for entries naming a
// collection the service does not sync.
func statusInvalidUnregistered(seq int64, collection string) EntryStatus {
	return EntryStatus{
		LocalSeq: seq,
		Status:   StInvalid,
		Invalid: map[string]any{
			"reason":  ReasonUnregisteredCollection,
			"details": map[string]any{"collection": collection},
		},
		Message: "collection not registered: " + collection,
	}
}
