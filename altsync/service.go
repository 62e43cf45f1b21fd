// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService is the authoritative merge point for one Altair deployment.
// It validates uploaded oplog entries, detects version conflicts against
// the authoritative record state, persists accepted changes, and
// re-broadcasts them to the user's other devices.
type SyncService struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	config      *ServiceConfig
	collections map[string]bool
	broadcaster *broadcaster

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName         string   // Application name for connection tracking
	Collections     []string // Collection names allowed for sync (required)
	ProtocolVersion int      // Sync protocol version to report

	MaxUploadBatchSize int // Max entries per upload (0 = unlimited)
	MaxPayloadBytes    int // Max JSON payload bytes per entry (0 = unlimited)

	StageMetrics    StageMetricsRecorder // Optional per-stage timing sink
	LogStageTimings bool                 // Log stage timings at debug level
}

// DefaultServiceConfig returns the standard limits: batches of 50 entries,
// 1MB payloads.
func DefaultServiceConfig(appName string, collections []string) *ServiceConfig {
	return &ServiceConfig{
		AppName:            appName,
		Collections:        collections,
		ProtocolVersion:    1,
		MaxUploadBatchSize: 50,
		MaxPayloadBytes:    1 << 20,
	}
}

// NewSyncService creates a sync service from an existing pool. The pool
// lifecycle stays with the caller.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil || len(config.Collections) == 0 {
		return nil, errors.New("config with at least one registered collection is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:        pool,
		logger:      logger,
		config:      config,
		collections: make(map[string]bool),
		broadcaster: newBroadcaster(logger),
	}
	for _, c := range config.Collections {
		service.collections[strings.ToLower(strings.TrimSpace(c))] = true
	}

	if err := service.initializeSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}
	return service, nil
}

// Close shuts down the service. Safe to call multiple times; does not close
// the pool.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.broadcaster.closeAll()
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// IsCollectionRegistered checks whether a collection is allowed for sync.
func (s *SyncService) IsCollectionRegistered(collection string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[collection]
}

// ProtocolVersion returns the sync protocol version.
func (s *SyncService) ProtocolVersion() int {
	return s.config.ProtocolVersion
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

// ProcessUpload handles one batch of oplog entries from a device. Entries
// are applied in request order, which preserves per-record local_seq
// ordering; a failure on one entry never aborts the rest of the batch.
func (s *SyncService) ProcessUpload(ctx context.Context, userID, deviceID string, req *UploadRequest) (*UploadResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if len(req.Entries) == 0 {
		return &UploadResponse{
			Accepted:   true,
			Checkpoint: FormatCheckpoint(s.getUserHighestSeq(ctx, userID)),
			Statuses:   []EntryStatus{},
		}, nil
	}

	// Oversized batches are rejected whole so clients never drop pending
	// entries on a partial answer.
	if s.config.MaxUploadBatchSize > 0 && len(req.Entries) > s.config.MaxUploadBatchSize {
		statuses := make([]EntryStatus, len(req.Entries))
		for i, e := range req.Entries {
			err := fmt.Errorf("batch too large: entries=%d limit=%d", len(req.Entries), s.config.MaxUploadBatchSize)
			statuses[i] = statusInvalid(e.LocalSeq, ReasonBatchTooLarge, err)
		}
		return &UploadResponse{
			Accepted:   false,
			Checkpoint: FormatCheckpoint(s.getUserHighestSeq(ctx, userID)),
			Statuses:   statuses,
		}, nil
	}

	var statuses []EntryStatus
	applyBatch := func(tx pgx.Tx) error {
		_, _ = tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'")
		if err := s.prepareUploadStatements(ctx, tx); err != nil {
			return fmt.Errorf("failed to prepare statements: %w", err)
		}

		statuses = make([]EntryStatus, 0, len(req.Entries))
		for i := range req.Entries {
			entry := req.Entries[i]
			if err := s.validateEntry(&entry); err != nil {
				reason := ReasonBadPayload
				if errors.Is(err, ErrUnregisteredCollection) {
					reason = ReasonUnregisteredCollection
				}
				s.logger.Warn("Upload validation failed",
					"user_id", userID, "device_id", deviceID,
					"op", entry.Op, "collection", entry.Collection, "id", entry.ID,
					"reason", reason, "error", err)
				if reason == ReasonUnregisteredCollection {
					statuses = append(statuses, statusInvalidUnregistered(entry.LocalSeq, entry.Collection))
				} else {
					statuses = append(statuses, statusInvalid(entry.LocalSeq, ReasonBadPayload, err))
				}
				continue
			}

			var (
				status EntryStatus
				err    error
			)
			if entry.Op == OpDelete {
				status, err = s.applyDelete(ctx, tx, userID, deviceID, entry)
			} else {
				status, err = s.applyUpsert(ctx, tx, userID, deviceID, entry)
			}
			if err != nil {
				return fmt.Errorf("failed to apply entry local_seq=%d: %w", entry.LocalSeq, err)
			}
			statuses = append(statuses, status)
		}
		return nil
	}

	// Retry the whole transaction on serialization failures; the
	// idempotency gate makes replays safe.
	txStart := s.stageStart()
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, applyBatch)
		if err == nil || !txConflictRetryable(err) {
			break
		}
		s.logger.Warn("Upload transaction retry", "attempt", attempt, "user_id", userID, "error", err)
		if serr := retryBackoff(ctx, time.Duration(attempt)*50*time.Millisecond); serr != nil {
			return nil, serr
		}
	}
	s.observeStage(ctx, MetricsOpUpload, MetricsStageUploadTx, txStart, len(req.Entries), err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to process upload transaction: %w", err)
	}

	accepted := true
	appliedAny := false
	for _, st := range statuses {
		if st.Status == StApplied && st.NewVersion != nil {
			appliedAny = true
		}
		if st.Status == StInvalid {
			if reason, ok := st.Invalid["reason"].(string); ok && reason == ReasonUnregisteredCollection {
				accepted = false
			}
		}
	}

	// Wake the user's other devices so they pull the new changes promptly.
	if appliedAny {
		s.broadcaster.notify(userID)
	}

	return &UploadResponse{
		Accepted:   accepted,
		Checkpoint: FormatCheckpoint(s.getUserHighestSeq(ctx, userID)),
		Statuses:   statuses,
	}, nil
}
