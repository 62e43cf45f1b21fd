package altsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/getaltair/altair-sync/altsync"
	"github.com/getaltair/altair-sync/merge"
)

const testUser = "user-1"

func newTestClient(t *testing.T, serverURL, deviceID string) *Client {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig([]string{"quest", "note", "item"})
	cfg.FieldTypes = merge.FieldTypes{
		"note.body": merge.KindLongText,
	}

	// The fake server reads the device identity from the bearer token.
	tok := func(context.Context) (string, error) { return deviceID, nil }

	client, err := NewClient(db, serverURL, testUser, deviceID, tok, cfg)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO _sync_device (user_id, device_id, next_local_seq) VALUES (?, ?, 1)`,
		testUser, deviceID)
	require.NoError(t, err)
	return client
}

func mustGet(t *testing.T, c *Client, collection, id string) map[string]any {
	t.Helper()
	raw, ok, err := c.Get(context.Background(), collection, id)
	require.NoError(t, err)
	require.True(t, ok, "expected %s/%s to exist", collection, id)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestMutationDurability(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	c := newTestClient(t, f.URL(), "device-a")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"laundry","done":false}`)))

	// The mutation and its oplog entry committed together.
	got := mustGet(t, c, "quest", "q1")
	require.Equal(t, "laundry", got["title"])
	pending, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	// A second write to the same record queues another entry.
	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"laundry","done":true}`)))
	pending, err = c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	// Flush coalesces both into one upload and drains the queue.
	n, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	pending, err = c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)

	f.mu.Lock()
	rec := f.records["quest/q1"]
	f.mu.Unlock()
	require.NotNil(t, rec)
	require.Equal(t, int64(1), rec.version)
	require.JSONEq(t, `{"title":"laundry","done":true}`, string(rec.payload))
}

func TestIdempotentReupload(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	c := newTestClient(t, f.URL(), "device-a")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"water plants"}`)))

	// First flush dies on a 503 after nothing was recorded client-side.
	f.mu.Lock()
	f.failUploads = 1
	f.mu.Unlock()
	_, err := c.Flush(ctx)
	require.Error(t, err)
	require.True(t, IsNetworkError(err))

	// The entry is still pending and the retry reuses the same local_seq,
	// so even if the first delivery had landed, the gate absorbs it.
	pending, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	n, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Flushing again with nothing pending is a no-op.
	n, err = c.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	f.mu.Lock()
	version := f.records["quest/q1"].version
	f.mu.Unlock()
	require.Equal(t, int64(1), version)
}

func TestTwoDevicePropagation(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	a := newTestClient(t, f.URL(), "device-a")
	b := newTestClient(t, f.URL(), "device-b")
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "item", "i1", json.RawMessage(`{"name":"milk","qty":1}`)))
	_, err := a.Flush(ctx)
	require.NoError(t, err)

	// Device B has no checkpoint yet: its first pull hydrates.
	applied, err := b.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	got := mustGet(t, b, "item", "i1")
	require.Equal(t, "milk", got["name"])

	// Subsequent pulls are incremental and idempotent.
	applied, err = b.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, applied)

	// A deletion propagates as a tombstone.
	require.NoError(t, a.Delete(ctx, "item", "i1"))
	_, err = a.Flush(ctx)
	require.NoError(t, err)
	_, err = b.Pull(ctx)
	require.NoError(t, err)
	_, ok, err := b.Get(ctx, "item", "i1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckpointMonotonic(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	a := newTestClient(t, f.URL(), "device-a")
	b := newTestClient(t, f.URL(), "device-b")
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"one"}`)))
	_, err := a.Flush(ctx)
	require.NoError(t, err)
	_, err = b.Pull(ctx)
	require.NoError(t, err)

	token1, found, err := b.loadCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, a.Put(ctx, "quest", "q2", json.RawMessage(`{"title":"two"}`)))
	_, err = a.Flush(ctx)
	require.NoError(t, err)
	_, err = b.Pull(ctx)
	require.NoError(t, err)

	token2, _, err := b.loadCheckpoint(ctx)
	require.NoError(t, err)
	require.Greater(t, parseCheckpointForTest(t, token2), parseCheckpointForTest(t, token1))

	// An older token can never overwrite a newer one.
	tx, err := b.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, b.saveCheckpointTx(ctx, tx, token1))
	require.NoError(t, tx.Commit())
	token3, _, err := b.loadCheckpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, token2, token3)
}

func parseCheckpointForTest(t *testing.T, token string) int64 {
	t.Helper()
	seq, err := altsync.ParseCheckpoint(token)
	require.NoError(t, err)
	return seq
}

func TestOfflineReplay(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	c := newTestClient(t, f.URL(), "device-a")
	ctx := context.Background()

	// Ten mutations across distinct records while offline.
	ids := []string{"q1", "q2", "q3", "q4", "q5", "q6", "q7", "q8", "q9", "q10"}
	for i, id := range ids {
		payload, _ := json.Marshal(map[string]any{"title": id, "rank": i})
		require.NoError(t, c.Put(ctx, "quest", id, json.RawMessage(payload)))
	}
	pending, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, pending)

	n, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.records, 10)
	for _, id := range ids {
		require.NotNil(t, f.records["quest/"+id], "missing record %s", id)
	}
}

func TestAdaptiveChunking(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	f.mu.Lock()
	f.maxBatchSize = 3
	f.mu.Unlock()

	c := newTestClient(t, f.URL(), "device-a")
	c.config.UploadLimit = 8
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		require.NoError(t, c.Put(ctx, "item", id, json.RawMessage(`{"name":"`+id+`"}`)))
	}

	n, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.records, 8)
}

func TestFullResyncAfterLostCheckpoint(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	a := newTestClient(t, f.URL(), "device-a")
	b := newTestClient(t, f.URL(), "device-b")
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"alpha"}`)))
	require.NoError(t, a.Put(ctx, "note", "n1", json.RawMessage(`{"body":"hello"}`)))
	require.NoError(t, a.Delete(ctx, "quest", "q1"))
	_, err := a.Flush(ctx)
	require.NoError(t, err)

	_, err = b.Pull(ctx)
	require.NoError(t, err)

	// Corrupt the checkpoint; the next pull must fall back to hydration
	// and still converge, tombstones included.
	_, err = b.DB.Exec(`UPDATE _sync_checkpoint SET token = 'garbage' WHERE user_id = ?`, testUser)
	require.NoError(t, err)

	_, err = b.Pull(ctx)
	require.NoError(t, err)

	_, ok, err := b.Get(ctx, "quest", "q1")
	require.NoError(t, err)
	require.False(t, ok)
	got := mustGet(t, b, "note", "n1")
	require.Equal(t, "hello", got["body"])

	token, found, err := b.loadCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(3), parseCheckpointForTest(t, token))
}

func TestPruneRetention(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	c := newTestClient(t, f.URL(), "device-a")
	ctx := context.Background()

	// An acknowledged tombstone whose server timestamp is past retention.
	require.NoError(t, c.Put(ctx, "item", "i1", json.RawMessage(`{"name":"milk"}`)))
	require.NoError(t, c.Delete(ctx, "item", "i1"))
	_, err := c.Flush(ctx)
	require.NoError(t, err)

	// A tombstone with a pending entry must survive any retention window.
	require.NoError(t, c.Put(ctx, "item", "i2", json.RawMessage(`{"name":"bread"}`)))
	require.NoError(t, c.Delete(ctx, "item", "i2"))

	past := time.Now().UTC().Add(-60 * 24 * time.Hour).Format(time.RFC3339Nano)
	_, err = c.DB.Exec(`
		INSERT INTO _sync_conflict
			(collection, record_id, tier, local_updated_at, remote_updated_at,
			 local_device, remote_device, resolution, created_at, resolved_at)
		VALUES
			('quest', 'old', 'simple', ?, ?, 'device-a', 'device-b', 'remote', ?, ?),
			('quest', 'open', 'complex', ?, ?, 'device-a', 'device-b', '', ?, '')
	`, past, past, past, past, past, past, past)
	require.NoError(t, err)

	require.NoError(t, c.Prune(ctx))

	var tombstones int
	require.NoError(t, c.DB.QueryRow(
		`SELECT COUNT(*) FROM _sync_record WHERE deleted = 1`).Scan(&tombstones))
	require.Equal(t, 1, tombstones)
	var keptID string
	require.NoError(t, c.DB.QueryRow(
		`SELECT record_id FROM _sync_record WHERE deleted = 1`).Scan(&keptID))
	require.Equal(t, "i2", keptID)

	var resolved, open int
	require.NoError(t, c.DB.QueryRow(
		`SELECT COUNT(*) FROM _sync_conflict WHERE resolution != ''`).Scan(&resolved))
	require.NoError(t, c.DB.QueryRow(
		`SELECT COUNT(*) FROM _sync_conflict WHERE resolution = ''`).Scan(&open))
	require.Equal(t, 0, resolved)
	require.Equal(t, 1, open)
}

func TestOplogRetainedAfterAck(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	c := newTestClient(t, f.URL(), "device-a")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"laundry"}`)))
	n, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The acknowledged entry leaves the pending queue but stays on disk
	// for the retention window.
	pending, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)

	var total, uploaded int
	var ackedAt string
	require.NoError(t, c.DB.QueryRow(`SELECT COUNT(*) FROM _sync_oplog`).Scan(&total))
	require.Equal(t, 1, total)
	require.NoError(t, c.DB.QueryRow(
		`SELECT uploaded, acked_at FROM _sync_oplog`).Scan(&uploaded, &ackedAt))
	require.Equal(t, 1, uploaded)
	require.NotEmpty(t, ackedAt)

	// Pruning inside the window keeps the entry.
	require.NoError(t, c.Prune(ctx))
	require.NoError(t, c.DB.QueryRow(`SELECT COUNT(*) FROM _sync_oplog`).Scan(&total))
	require.Equal(t, 1, total)

	// Once the window elapses it goes.
	past := time.Now().UTC().Add(-60 * 24 * time.Hour).Format(time.RFC3339Nano)
	_, err = c.DB.Exec(`UPDATE _sync_oplog SET acked_at = ?`, past)
	require.NoError(t, err)
	require.NoError(t, c.Prune(ctx))
	require.NoError(t, c.DB.QueryRow(`SELECT COUNT(*) FROM _sync_oplog`).Scan(&total))
	require.Equal(t, 0, total)
}

func TestLocalWriteNotBlockedByUpload(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	f.uploadDelay = 500 * time.Millisecond
	f.uploadEntered = make(chan struct{}, 1)

	c := newTestClient(t, f.URL(), "device-a")
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"one"}`)))

	done := make(chan error, 1)
	go func() {
		_, err := c.Flush(ctx)
		done <- err
	}()

	// With the upload held open server-side, a local write must commit
	// immediately instead of queueing behind the network round-trip.
	<-f.uploadEntered
	start := time.Now()
	require.NoError(t, c.Put(ctx, "quest", "q2", json.RawMessage(`{"title":"two"}`)))
	require.Less(t, time.Since(start), 200*time.Millisecond)

	require.NoError(t, <-done)
}

func TestInFlightAckSupersededByNewerWrite(t *testing.T) {
	f := newFakeServer()
	defer f.Close()
	f.uploadEntered = make(chan struct{}, 1)

	c := newTestClient(t, f.URL(), "device-a")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"draft"}`)))
	_, err := c.Flush(ctx)
	require.NoError(t, err)

	// Hold the deletion's upload open and revive the record meanwhile.
	f.uploadDelay = 300 * time.Millisecond
	require.NoError(t, c.Delete(ctx, "quest", "q1"))

	done := make(chan error, 1)
	go func() {
		_, ferr := c.Flush(ctx)
		done <- ferr
	}()
	<-f.uploadEntered
	require.NoError(t, c.Put(ctx, "quest", "q1", json.RawMessage(`{"title":"revived"}`)))
	require.NoError(t, <-done)

	// The stale delete acknowledgement must not tombstone the revived
	// working copy, and the requeued creation converges on the server.
	got := mustGet(t, c, "quest", "q1")
	require.Equal(t, "revived", got["title"])

	pending, err := c.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)

	f.mu.Lock()
	rec := f.records["quest/q1"]
	f.mu.Unlock()
	require.NotNil(t, rec)
	require.False(t, rec.deleted)
	require.Equal(t, int64(3), rec.version)
	require.JSONEq(t, `{"title":"revived"}`, string(rec.payload))
}
