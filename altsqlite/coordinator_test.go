package altsqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoordinatorSyncedAfterCycle(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	c := newTestClient(t, f.URL(), "device-a")
	co := NewCoordinator(c)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"sweep"}`)))
	require.NoError(t, co.SyncOnce(ctx))

	st := co.Status(ctx)
	require.Equal(t, StateSynced, st.State)
	require.Equal(t, 0, st.PendingLocal)
	require.Equal(t, 0, st.OpenConflicts)
	require.False(t, st.LastSync.IsZero())
	require.Empty(t, st.LastError)

	// The status stream coalesces to the latest snapshot.
	select {
	case update := <-co.Updates():
		require.Equal(t, StateSynced, update.State)
	default:
		t.Fatal("expected a status update after the cycle")
	}
}

func TestCoordinatorOfflineOnNetworkError(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	c := newTestClient(t, f.URL(), "device-a")
	co := NewCoordinator(c)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"sweep"}`)))
	f.mu.Lock()
	f.failUploads = 1
	f.mu.Unlock()

	err := co.SyncOnce(ctx)
	require.Error(t, err)
	require.True(t, IsNetworkError(err))

	st := co.Status(ctx)
	require.Equal(t, StateOffline, st.State)
	require.Equal(t, 1, st.PendingLocal)
	require.NotEmpty(t, st.LastError)

	// Connectivity returns; the retained entry drains and state recovers.
	require.NoError(t, co.SyncOnce(ctx))
	st = co.Status(ctx)
	require.Equal(t, StateSynced, st.State)
	require.Equal(t, 0, st.PendingLocal)
}

func TestCoordinatorAuthRequired(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	c := newTestClient(t, f.URL(), "device-a")
	co := NewCoordinator(c)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"sweep"}`)))
	f.mu.Lock()
	f.authBroken = true
	f.mu.Unlock()

	err := co.SyncOnce(ctx)
	require.Error(t, err)
	require.True(t, IsAuthError(err))

	st := co.Status(ctx)
	require.True(t, st.AuthRequired)
	require.Equal(t, StateIdle, st.State)

	f.mu.Lock()
	f.authBroken = false
	f.mu.Unlock()
	require.NoError(t, co.SyncOnce(ctx))
	st = co.Status(ctx)
	require.False(t, st.AuthRequired)
	require.Equal(t, StateSynced, st.State)
}

func TestCoordinatorDegradedAfterProtocolErrors(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	c := newTestClient(t, f.URL(), "device-a")
	co := NewCoordinator(c)
	ctx := context.Background()

	// Establish a checkpoint so later cycles take the incremental path.
	require.NoError(t, co.SyncOnce(ctx))

	f.mu.Lock()
	f.garbageBody = true
	f.mu.Unlock()

	for i := 0; i < degradedThreshold; i++ {
		err := co.SyncOnce(ctx)
		require.Error(t, err)
		require.True(t, IsProtocolError(err))
	}

	st := co.Status(ctx)
	require.True(t, st.Degraded)
	require.Equal(t, StateOffline, st.State)

	// One clean cycle clears the degraded flag.
	f.mu.Lock()
	f.garbageBody = false
	f.mu.Unlock()
	require.NoError(t, co.SyncOnce(ctx))
	st = co.Status(ctx)
	require.False(t, st.Degraded)
	require.Equal(t, StateSynced, st.State)
}

func TestCoordinatorConflictState(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	a := newTestClient(t, f.URL(), "device-a")
	b := newTestClient(t, f.URL(), "device-b")
	co := NewCoordinator(a)
	ctx := context.Background()

	seedSharedRecord(t, a, b, "note", "n1", `{"body":"hello world"}`)
	require.NoError(t, b.Put(ctx, "note", "n1", json.RawMessage(`{"body":"hello mars"}`)))
	_, err := b.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Put(ctx, "note", "n1", json.RawMessage(`{"body":"hello venus"}`)))

	require.NoError(t, co.SyncOnce(ctx))
	st := co.Status(ctx)
	require.Equal(t, StateConflict, st.State)
	require.Equal(t, 1, st.OpenConflicts)

	// The status stream itself carries the conflict count; consumers must
	// not need an extra round-trip through Status.
	select {
	case update := <-co.Updates():
		require.Equal(t, StateConflict, update.State)
		require.Equal(t, 1, update.OpenConflicts)
	default:
		t.Fatal("expected a status update after the conflicted cycle")
	}

	// Resolving the conflict returns the next cycle to synced.
	conflicts, err := a.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.NoError(t, a.ResolveConflict(ctx, conflicts[0].ID, ResolutionLocal, nil))
	require.NoError(t, co.SyncOnce(ctx))
	st = co.Status(ctx)
	require.Equal(t, StateSynced, st.State)
	require.Equal(t, 0, st.OpenConflicts)
}

func TestCoordinatorRunWakesOnMutation(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	c := newTestClient(t, f.URL(), "device-a")
	co := NewCoordinator(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		co.Run(ctx)
		close(done)
	}()

	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"sweep"}`)))
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.records["quest/q1"] != nil
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not stop on context cancellation")
	}
}
