// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsqlite

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the coordinator's externally visible sync state.
type State string

const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateSynced   State = "synced"
	StateConflict State = "conflict"
	StateOffline  State = "offline"
)

// Status is a snapshot of sync health for the UI layer.
type Status struct {
	State         State
	OpenConflicts int
	PendingLocal  int
	Degraded      bool      // Repeated protocol errors; server/client mismatch likely
	AuthRequired  bool      // Credentials rejected; sync paused until re-auth
	LastSync      time.Time // Completion time of the last successful cycle
	LastError     string
}

// degradedThreshold is the number of consecutive protocol errors after
// which the coordinator reports itself degraded.
const degradedThreshold = 5

// Coordinator drives the sync cycle: it flushes the upload queue, pulls
// remote changes, reacts to local mutation signals, and exposes sync state.
type Coordinator struct {
	client *Client
	logger *slog.Logger

	mu             sync.Mutex
	status         Status
	protocolErrors int
	updates        chan Status
}

// NewCoordinator creates a coordinator over a client.
func NewCoordinator(client *Client) *Coordinator {
	return &Coordinator{
		client:  client,
		logger:  client.logger,
		status:  Status{State: StateIdle},
		updates: make(chan Status, 1),
	}
}

// Updates returns a channel carrying status snapshots after each state
// change. Intermediate snapshots are dropped when the reader lags; the
// latest one is always deliverable.
func (co *Coordinator) Updates() <-chan Status {
	return co.updates
}

// publish must be called with co.mu held.
func (co *Coordinator) publish() {
	select {
	case <-co.updates:
	default:
	}
	co.updates <- co.status
}

// Status returns a snapshot of the current sync state.
func (co *Coordinator) Status(ctx context.Context) Status {
	co.mu.Lock()
	st := co.status
	co.mu.Unlock()

	if n, err := co.client.OpenConflictCount(ctx); err == nil {
		st.OpenConflicts = n
	}
	if n, err := co.client.PendingCount(ctx); err == nil {
		st.PendingLocal = n
	}
	return st
}

// SyncOnce runs one full cycle: flush pending uploads, then pull remote
// changes. Safe to call concurrently with the Run loop.
func (co *Coordinator) SyncOnce(ctx context.Context) error {
	co.setState(StateSyncing, "")

	_, err := co.client.Flush(ctx)
	if err == nil {
		_, err = co.client.Pull(ctx)
	}

	if err != nil {
		co.observeFailure(err)
		return err
	}
	co.observeSuccess(ctx)
	return nil
}

// Run drives sync until the context is cancelled: it wakes on local
// mutations, on the poll interval, and after backoff when offline.
func (co *Coordinator) Run(ctx context.Context) {
	backoff := co.client.config.BackoffMin
	for {
		err := co.SyncOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := co.client.config.BackoffMax
		if err != nil {
			if IsAuthError(err) {
				// Re-authentication must come from outside; polling would
				// only hammer the server.
				wait = co.client.config.BackoffMax
			} else {
				wait = backoff
				backoff *= 2
				if backoff > co.client.config.BackoffMax {
					backoff = co.client.config.BackoffMax
				}
			}
		} else {
			backoff = co.client.config.BackoffMin
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-co.client.Changed():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (co *Coordinator) setState(s State, lastErr string) {
	co.mu.Lock()
	co.status.State = s
	co.status.LastError = lastErr
	co.publish()
	co.mu.Unlock()
}

func (co *Coordinator) observeSuccess(ctx context.Context) {
	open, _ := co.client.OpenConflictCount(ctx)
	pending, _ := co.client.PendingCount(ctx)

	co.mu.Lock()
	co.protocolErrors = 0
	co.status.Degraded = false
	co.status.AuthRequired = false
	co.status.LastSync = time.Now()
	co.status.LastError = ""
	co.status.OpenConflicts = open
	co.status.PendingLocal = pending
	if open > 0 {
		co.status.State = StateConflict
	} else {
		co.status.State = StateSynced
	}
	co.publish()
	co.mu.Unlock()
}

func (co *Coordinator) observeFailure(err error) {
	co.mu.Lock()
	defer co.mu.Unlock()

	co.status.LastError = err.Error()
	switch {
	case IsAuthError(err):
		co.status.AuthRequired = true
		co.status.State = StateIdle
	case IsNetworkError(err):
		co.status.State = StateOffline
	case IsProtocolError(err):
		co.protocolErrors++
		if co.protocolErrors >= degradedThreshold {
			co.status.Degraded = true
		}
		co.status.State = StateOffline
	default:
		co.status.State = StateIdle
	}
	co.publish()

	co.logger.Warn("Sync cycle failed", "error", err, "state", co.status.State)
}
