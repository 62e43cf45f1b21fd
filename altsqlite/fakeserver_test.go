package altsqlite

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/getaltair/altair-sync/altsync"
)

// fakeServer is an in-memory stand-in for the sync service. It enforces the
// same gates the real server does: the (device, local_seq) idempotency gate
// and the optimistic version gate, and it is the sole issuer of versions
// and timestamps.
type fakeServer struct {
	mu      sync.Mutex
	records map[string]*fakeRecord // key collection/id
	log     []altsync.Record
	seen    map[string]bool // device:seq idempotency gate
	seq     int64
	now     time.Time // advances on every applied change

	failUploads  int // next N uploads answer 503
	authBroken   bool
	garbageBody  bool
	maxBatchSize int

	// Set before any request is issued; handleUpload reads them lock-free.
	uploadDelay   time.Duration // hold each upload open this long
	uploadEntered chan struct{} // signalled when an upload request arrives

	srv *httptest.Server
}

type fakeRecord struct {
	version   int64
	payload   json.RawMessage
	updatedAt time.Time
	deleted   bool
	deviceID  string
}

func newFakeServer() *fakeServer {
	f := &fakeServer{
		records: make(map[string]*fakeRecord),
		seen:    make(map[string]bool),
		// Well in the past relative to the wall clock, so a fresh local
		// edit outranks server timestamps in last-writer-wins comparisons
		// and acked tombstones age past the retention window.
		now:          time.Now().UTC().Add(-90 * 24 * time.Hour).Truncate(time.Millisecond),
		maxBatchSize: 50,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/upload", f.handleUpload)
	mux.HandleFunc("/sync/pull", f.handlePull)
	mux.HandleFunc("/sync/snapshot", f.handleSnapshot)
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeServer) Close() { f.srv.Close() }

func (f *fakeServer) URL() string { return f.srv.URL }

func (f *fakeServer) deviceFromAuth(r *http.Request) string {
	// Tests encode the device id directly in the bearer token.
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func (f *fakeServer) tick() time.Time {
	f.now = f.now.Add(time.Millisecond)
	return f.now
}

func (f *fakeServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if f.uploadEntered != nil {
		select {
		case f.uploadEntered <- struct{}{}:
		default:
		}
	}
	if f.uploadDelay > 0 {
		time.Sleep(f.uploadDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.authBroken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.failUploads > 0 {
		f.failUploads--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if f.garbageBody {
		w.Write([]byte("not json"))
		return
	}

	deviceID := f.deviceFromAuth(r)
	var req altsync.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp := altsync.UploadResponse{Accepted: true}
	if f.maxBatchSize > 0 && len(req.Entries) > f.maxBatchSize {
		resp.Accepted = false
		for _, e := range req.Entries {
			resp.Statuses = append(resp.Statuses, altsync.EntryStatus{
				LocalSeq: e.LocalSeq,
				Status:   altsync.StInvalid,
				Invalid:  map[string]any{"reason": altsync.ReasonBatchTooLarge},
			})
		}
		resp.Checkpoint = altsync.FormatCheckpoint(f.seq)
		writeJSON(w, &resp)
		return
	}

	for _, e := range req.Entries {
		resp.Statuses = append(resp.Statuses, f.applyEntry(deviceID, e))
	}
	resp.Checkpoint = altsync.FormatCheckpoint(f.seq)
	writeJSON(w, &resp)
}

func (f *fakeServer) applyEntry(deviceID string, e altsync.EntryUpload) altsync.EntryStatus {
	gateKey := deviceID + ":" + strconv.FormatInt(e.LocalSeq, 10)
	if f.seen[gateKey] {
		return altsync.EntryStatus{LocalSeq: e.LocalSeq, Status: altsync.StApplied}
	}

	key := e.Collection + "/" + e.ID
	rec := f.records[key]

	if e.Op == altsync.OpDelete {
		if rec == nil {
			f.seen[gateKey] = true
			return altsync.EntryStatus{LocalSeq: e.LocalSeq, Status: altsync.StApplied}
		}
		if rec.version != e.ClientVersion {
			return f.conflictStatus(e, rec)
		}
		f.seen[gateKey] = true
		rec.version++
		rec.payload = nil
		rec.deleted = true
		rec.updatedAt = f.tick()
		rec.deviceID = deviceID
		f.appendLog(e.Collection, e.ID, rec)
		v := rec.version
		t := rec.updatedAt
		return altsync.EntryStatus{LocalSeq: e.LocalSeq, Status: altsync.StApplied, NewVersion: &v, NewUpdatedAt: &t}
	}

	if rec == nil {
		if e.ClientVersion != 0 {
			return altsync.EntryStatus{LocalSeq: e.LocalSeq, Status: altsync.StConflict}
		}
		rec = &fakeRecord{}
		f.records[key] = rec
	} else if rec.version != e.ClientVersion {
		return f.conflictStatus(e, rec)
	}

	f.seen[gateKey] = true
	rec.version++
	rec.payload = append(json.RawMessage(nil), e.Payload...)
	rec.deleted = false
	rec.updatedAt = f.tick()
	rec.deviceID = deviceID
	f.appendLog(e.Collection, e.ID, rec)
	v := rec.version
	t := rec.updatedAt
	return altsync.EntryStatus{LocalSeq: e.LocalSeq, Status: altsync.StApplied, NewVersion: &v, NewUpdatedAt: &t}
}

func (f *fakeServer) conflictStatus(e altsync.EntryUpload, rec *fakeRecord) altsync.EntryStatus {
	remote := &altsync.Record{
		Collection: e.Collection,
		ID:         e.ID,
		Version:    rec.version,
		Payload:    rec.payload,
		UpdatedAt:  rec.updatedAt,
		Deleted:    rec.deleted,
		DeviceID:   rec.deviceID,
	}
	return altsync.EntryStatus{LocalSeq: e.LocalSeq, Status: altsync.StConflict, Remote: remote}
}

func (f *fakeServer) appendLog(collection, id string, rec *fakeRecord) {
	f.seq++
	f.log = append(f.log, altsync.Record{
		Collection: collection,
		ID:         id,
		Version:    rec.version,
		Payload:    append(json.RawMessage(nil), rec.payload...),
		UpdatedAt:  rec.updatedAt,
		Deleted:    rec.deleted,
		DeviceID:   rec.deviceID,
		Seq:        f.seq,
	})
}

func (f *fakeServer) handlePull(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.authBroken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.garbageBody {
		w.Write([]byte("not json"))
		return
	}

	deviceID := f.deviceFromAuth(r)
	after, _ := altsync.ParseCheckpoint(r.URL.Query().Get("after"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 500
	}
	until, _ := altsync.ParseCheckpoint(r.URL.Query().Get("window"))
	if until <= 0 {
		until = f.seq
	}

	var resp altsync.PullResponse
	hasMore := false
	// One entry per record within the window: deliver the latest state.
	latest := make(map[string]altsync.Record)
	for _, rec := range f.log {
		if rec.Seq <= after || rec.Seq > until || rec.DeviceID == deviceID {
			continue
		}
		latest[rec.Collection+"/"+rec.ID] = rec
	}
	var page []altsync.Record
	for _, rec := range latest {
		page = append(page, rec)
	}
	sort.Slice(page, func(i, j int) bool { return page[i].Seq < page[j].Seq })
	if len(page) > limit {
		page = page[:limit]
		hasMore = true
	}

	checkpoint := after
	if n := len(page); n > 0 {
		checkpoint = page[n-1].Seq
	} else {
		checkpoint = until
	}
	resp.Records = page
	resp.Checkpoint = altsync.FormatCheckpoint(checkpoint)
	resp.HasMore = hasMore
	resp.Window = altsync.FormatCheckpoint(until)
	writeJSON(w, &resp)
}

func (f *fakeServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.authBroken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var keys []string
	for k := range f.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var records []altsync.Record
	for _, k := range keys {
		rec := f.records[k]
		collection, id, _ := splitKey(k)
		records = append(records, altsync.Record{
			Collection: collection,
			ID:         id,
			Version:    rec.version,
			Payload:    append(json.RawMessage(nil), rec.payload...),
			UpdatedAt:  rec.updatedAt,
			Deleted:    rec.deleted,
			DeviceID:   rec.deviceID,
		})
	}

	writeJSON(w, &altsync.PullResponse{
		Records:    records,
		Checkpoint: altsync.FormatCheckpoint(f.seq),
		HasMore:    false,
	})
}

func splitKey(k string) (string, string, bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			return k[:i], k[i+1:], true
		}
	}
	return k, "", false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
