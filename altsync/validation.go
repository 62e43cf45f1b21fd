// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Validation error sentinels for status mapping
var (
	ErrBadPayload             = errors.New("bad_payload")
	ErrUnregisteredCollection = errors.New("unregistered_collection")
)

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const maxRecordIDLen = 128

// validateEntry validates and normalizes a single uploaded entry.
func (s *SyncService) validateEntry(entry *EntryUpload) error {
	entry.Collection = strings.ToLower(strings.TrimSpace(entry.Collection))
	entry.Op = strings.ToUpper(strings.TrimSpace(entry.Op))

	if !collectionNameRe.MatchString(entry.Collection) {
		return fmt.Errorf("%w: invalid collection name %q", ErrBadPayload, entry.Collection)
	}
	if !s.IsCollectionRegistered(entry.Collection) {
		return fmt.Errorf("%w: %s", ErrUnregisteredCollection, entry.Collection)
	}

	switch entry.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: invalid operation %q", ErrBadPayload, entry.Op)
	}

	if entry.ID == "" || len(entry.ID) > maxRecordIDLen {
		return fmt.Errorf("%w: record id must be 1..%d characters", ErrBadPayload, maxRecordIDLen)
	}
	for _, r := range entry.ID {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: record id contains control characters", ErrBadPayload)
		}
	}

	if entry.ClientVersion < 0 {
		return fmt.Errorf("%w: client_version must be >= 0", ErrBadPayload)
	}
	if entry.LocalSeq <= 0 {
		return fmt.Errorf("%w: local_seq must be > 0", ErrBadPayload)
	}

	if entry.Op == OpDelete {
		if len(entry.Payload) != 0 {
			return fmt.Errorf("%w: DELETE must not include payload", ErrBadPayload)
		}
		return nil
	}

	if len(entry.Payload) == 0 {
		return fmt.Errorf("%w: payload required for %s", ErrBadPayload, entry.Op)
	}
	var obj map[string]any
	if err := json.Unmarshal(entry.Payload, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}
	if s.config.MaxPayloadBytes > 0 && len(entry.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(entry.Payload), s.config.MaxPayloadBytes)
	}
	// Reserved keys are server-owned and may not ride in payloads.
	for _, reserved := range []string{"version", "updated_at", "deleted"} {
		if _, ok := obj[reserved]; ok {
			return fmt.Errorf("%w: payload may not contain %q", ErrBadPayload, reserved)
		}
	}
	return nil
}

// fetchAuthoritativeRecord loads the current server state of a record for a
// conflict response (user-scoped).
func (s *SyncService) fetchAuthoritativeRecord(ctx context.Context, tx pgx.Tx, userID, collection, recordID string) (*Record, error) {
	rec := &Record{Collection: collection, ID: recordID}
	err := tx.QueryRow(ctx, `
		SELECT m.server_version, m.deleted, m.updated_at, m.device_id,
		       COALESCE(st.payload, 'null'::json)::text
		FROM sync.record_meta m
		LEFT JOIN sync.record_state st
		  ON st.user_id = m.user_id
		 AND st.collection = m.collection
		 AND st.record_id = m.record_id
		WHERE m.user_id = @user_id AND m.collection = @collection AND m.record_id = @record_id
	`, pgx.NamedArgs{
		"user_id":    userID,
		"collection": collection,
		"record_id":  recordID,
	}).Scan(&rec.Version, &rec.Deleted, &rec.UpdatedAt, &rec.DeviceID, (*payloadText)(&rec.Payload))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// payloadText scans a JSON text column into a RawMessage, mapping the
// literal "null" to a nil payload (tombstones carry no payload).
type payloadText json.RawMessage

func (p *payloadText) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case string:
		if v == "null" {
			*p = nil
			return nil
		}
		*p = append((*p)[:0], v...)
	case []byte:
		if string(v) == "null" {
			*p = nil
			return nil
		}
		*p = append((*p)[:0], v...)
	default:
		return fmt.Errorf("unsupported payload source type %T", src)
	}
	return nil
}
