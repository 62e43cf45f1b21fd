// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// REST/JSON models for the sync protocol. The same structs are used by the
// server handlers and the device-side client, so the wire format is defined
// in exactly one place.

// UploadRequest is a batch of oplog entries from one device.
// The device identity comes from the JWT did claim, not the request body.
type UploadRequest struct {
	Entries []EntryUpload `json:"entries"`
}

// EntryUpload is a single oplog entry in an upload request.
type EntryUpload struct {
	LocalSeq      int64           `json:"local_seq"`         // Device-local oplog sequence
	Collection    string          `json:"collection"`        // e.g. "quest", "note", "item"
	ID            string          `json:"id"`                // Record identifier within the collection
	Op            string          `json:"op"`                // INSERT, UPDATE, DELETE
	ClientVersion int64           `json:"client_version"`    // Version the device believed current (0 for create)
	Payload       json.RawMessage `json:"payload,omitempty"` // Full payload snapshot (null for DELETE)
}

// UploadResponse is the server's answer to an upload request.
type UploadResponse struct {
	Accepted   bool          `json:"accepted"`   // Overall batch acceptance
	Checkpoint string        `json:"checkpoint"` // Current highest position for this user
	Statuses   []EntryStatus `json:"statuses"`   // Per-entry results, request order
}

// EntryStatus is the result of processing a single uploaded entry.
type EntryStatus struct {
	LocalSeq     int64          `json:"local_seq"`                // Echo of the device's sequence
	Status       string         `json:"status"`                   // "applied", "conflict", "invalid"
	NewVersion   *int64         `json:"new_version,omitempty"`    // Authoritative version if applied
	NewUpdatedAt *time.Time     `json:"new_updated_at,omitempty"` // Authoritative timestamp if applied
	Remote       *Record        `json:"remote,omitempty"`         // Current authoritative state if conflict
	Message      string         `json:"message,omitempty"`        // Optional details for errors
	Invalid      map[string]any `json:"invalid,omitempty"`        // Structured reason and details
}

// Record is the unit of sync on the wire: an opaque versioned payload plus
// the server-assigned ordering metadata.
type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload,omitempty"` // null for tombstones
	UpdatedAt  time.Time       `json:"updated_at"`        // Server-assigned, authoritative for ordering
	Deleted    bool            `json:"deleted"`
	DeviceID   string          `json:"device_id"` // Last writer, used by the deterministic tie-break
	Seq        int64           `json:"seq"`       // Server change-log position of this change
}

// PullResponse is one page of the download stream. A push delivery over the
// subscribe socket is the same shape, just unsolicited.
type PullResponse struct {
	Records    []Record `json:"records"`
	Checkpoint string   `json:"checkpoint"`       // Position to resume from
	HasMore    bool     `json:"has_more"`         // More records available in this window
	Window     string   `json:"window,omitempty"` // Frozen upper bound for multi-page sessions
}

// ProtocolVersionResponse reports the sync protocol version.
type ProtocolVersionResponse struct {
	Version int `json:"protocol_version"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// FormatCheckpoint encodes a change-log position as the opaque wire token.
// Devices must treat the token as opaque; only the server interprets it.
func FormatCheckpoint(pos int64) string {
	return strconv.FormatInt(pos, 10)
}

// ParseCheckpoint decodes a wire token back into a change-log position.
// The empty token means "from the beginning".
func ParseCheckpoint(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	pos, err := strconv.ParseInt(token, 10, 64)
	if err != nil || pos < 0 {
		return 0, fmt.Errorf("malformed checkpoint token %q", token)
	}
	return pos, nil
}
