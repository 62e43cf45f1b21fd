// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsqlite

import (
	"errors"
	"fmt"
)

// Sync failures carry a category so the coordinator can react differently to
// an unreachable server, a rejected credential, a local disk problem, and a
// server speaking the wrong protocol. Version conflicts are not errors; they
// flow through the resolver.

// NetworkError wraps transport failures and 5xx responses. Retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError wraps 401/403 responses. Sync stops until re-authentication.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth error: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// StorageError wraps local SQLite failures.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error: %v", e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ProtocolError wraps malformed or unexpected server responses. Repeated
// protocol errors mark the client degraded.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func storageErr(format string, args ...any) error {
	return &StorageError{Err: fmt.Errorf(format, args...)}
}
