package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangjrun/novellus-sub001/internal/conflict"
	"github.com/yangjrun/novellus-sub001/internal/engine"
	"github.com/yangjrun/novellus-sub001/internal/ir"
)

type fakePipeline struct {
	mu        sync.Mutex
	submitted []ir.ChangeEvent
	submitErr error

	deadLetters []ir.DeadLetter
	conflicts   []ir.ConflictRecord
	resolveErr  error
	resolved    map[string]ir.Value
	versions    map[string][]ir.DataVersion
	snapshots   map[string]*ir.RecordSnapshot
}

func (f *fakePipeline) Submit(_ context.Context, ev ir.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, ev)
	return nil
}

func (f *fakePipeline) DeadLetters() []ir.DeadLetter { return f.deadLetters }

func (f *fakePipeline) Conflicts() []ir.ConflictRecord { return f.conflicts }

func (f *fakePipeline) UnresolvedConflicts() []ir.ConflictRecord {
	var out []ir.ConflictRecord
	for _, c := range f.conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakePipeline) ResolveConflict(_ context.Context, id string, v ir.Value) (ir.ConflictRecord, error) {
	if f.resolveErr != nil {
		return ir.ConflictRecord{}, f.resolveErr
	}
	if f.resolved == nil {
		f.resolved = make(map[string]ir.Value)
	}
	f.resolved[id] = v
	return ir.ConflictRecord{ConflictID: id, Resolved: true, ResolvedValue: v}, nil
}

func (f *fakePipeline) History(id string) []ir.DataVersion { return f.versions[id] }

func (f *fakePipeline) Snapshot(id string) *ir.RecordSnapshot { return f.snapshots[id] }

func do(t *testing.T, h http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestSubmitJSON(t *testing.T) {
	p := &fakePipeline{}
	s := NewServer(p)

	body := []byte(`{"event_id":"e1","record_id":"42","content_type":"character","payload":{"name":"Ann","age":31}}`)
	rec := do(t, s, http.MethodPost, "/v1/events", "application/json", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, SubmitResponse{Status: "accepted", EventID: "e1", RecordID: "42"}, resp)

	require.Len(t, p.submitted, 1)
	ev := p.submitted[0]
	assert.Equal(t, ir.Int(31), ev.Payload["age"])
	assert.Equal(t, "webhook", ev.Source)
	assert.Equal(t, -1, ev.MaxRetries)
}

func TestSubmitAssignsEventID(t *testing.T) {
	p := &fakePipeline{}
	s := NewServer(p)

	rec := do(t, s, http.MethodPost, "/v1/events", "", []byte(`{"record_id":"1","payload":{}}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.EventID, 36)
	assert.Equal(t, resp.EventID, p.submitted[0].EventID)
}

func TestSubmitMsgpackAndCBOR(t *testing.T) {
	for _, codec := range []Codec{Msgpack, CBOR} {
		t.Run(codec.MediaType(), func(t *testing.T) {
			p := &fakePipeline{}
			s := NewServer(p)

			data, err := codec.Marshal(FromEvent(sampleEvent()))
			require.NoError(t, err)
			rec := do(t, s, http.MethodPost, "/v1/events", codec.MediaType(), data)
			require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
			require.Len(t, p.submitted, 1)
			assert.Equal(t, "42", p.submitted[0].RecordID)
			assert.Equal(t, "test", p.submitted[0].Source)
		})
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		submitErr   error
		wantStatus  int
	}{
		{"malformed", "application/json", `{"record_id":`, nil, http.StatusBadRequest},
		{"bad timestamp", "application/json", `{"record_id":"1","timestamp":"x","payload":{}}`, nil, http.StatusBadRequest},
		{"unsupported type", "text/plain", `hello`, nil, http.StatusUnsupportedMediaType},
		{"backpressure", "application/json", `{"record_id":"1","payload":{}}`,
			ir.NewBackpressureError(ir.ChangeEvent{RecordID: "1"}), http.StatusTooManyRequests},
		{"stopped", "application/json", `{"record_id":"1","payload":{}}`, engine.ErrStopped, http.StatusServiceUnavailable},
		{"internal", "application/json", `{"record_id":"1","payload":{}}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePipeline{submitErr: tt.submitErr}
			s := NewServer(p, WithRetryAfter(3*time.Second))

			rec := do(t, s, http.MethodPost, "/v1/events", tt.contentType, []byte(tt.body))
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp map[string]string
			decodeBody(t, rec, &resp)
			assert.NotEmpty(t, resp["error"])
			if tt.wantStatus == http.StatusTooManyRequests {
				assert.Equal(t, "3", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestSubmitBodyLimit(t *testing.T) {
	s := NewServer(&fakePipeline{}, WithMaxBodyBytes(16))
	rec := do(t, s, http.MethodPost, "/v1/events", "application/json",
		[]byte(`{"record_id":"1","payload":{"long":"aaaaaaaaaaaaaaaa"}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLettersFilter(t *testing.T) {
	p := &fakePipeline{deadLetters: []ir.DeadLetter{
		{Event: ir.ChangeEvent{EventID: "a"}, Kind: ir.DeadLetterExhausted},
		{Event: ir.ChangeEvent{EventID: "b"}, Kind: ir.DeadLetterValidation},
	}}
	s := NewServer(p)

	rec := do(t, s, http.MethodGet, "/v1/deadletters", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []ir.DeadLetter
	decodeBody(t, rec, &all)
	assert.Len(t, all, 2)

	rec = do(t, s, http.MethodGet, "/v1/deadletters?kind=validation", "", nil)
	var some []ir.DeadLetter
	decodeBody(t, rec, &some)
	require.Len(t, some, 1)
	assert.Equal(t, "b", some[0].Event.EventID)

	rec = do(t, s, http.MethodGet, "/v1/deadletters?kind=shutdown", "", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestConflictsListing(t *testing.T) {
	p := &fakePipeline{conflicts: []ir.ConflictRecord{
		{ConflictID: "c1", Resolved: true},
		{ConflictID: "c2"},
	}}
	s := NewServer(p)

	var all, open []ir.ConflictRecord
	decodeBody(t, do(t, s, http.MethodGet, "/v1/conflicts", "", nil), &all)
	decodeBody(t, do(t, s, http.MethodGet, "/v1/conflicts?unresolved=1", "", nil), &open)
	assert.Len(t, all, 2)
	require.Len(t, open, 1)
	assert.Equal(t, "c2", open[0].ConflictID)
}

func TestResolveConflict(t *testing.T) {
	p := &fakePipeline{}
	s := NewServer(p)

	rec := do(t, s, http.MethodPost, "/v1/conflicts/c9/resolve", "application/json", []byte(`{"value":{"n":2}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ir.Object{"n": ir.Int(2)}, p.resolved["c9"])

	var out ir.ConflictRecord
	decodeBody(t, rec, &out)
	assert.True(t, out.Resolved)
	assert.Equal(t, "c9", out.ConflictID)
}

func TestResolveConflictErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"bad body", `nope`, nil, http.StatusBadRequest},
		{"missing value", `{}`, nil, http.StatusBadRequest},
		{"not found", `{"value":1}`, conflict.ErrNotFound, http.StatusNotFound},
		{"already resolved", `{"value":1}`, conflict.ErrAlreadyResolved, http.StatusConflict},
		{"other", `{"value":1}`, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&fakePipeline{resolveErr: tt.err})
			rec := do(t, s, http.MethodPost, "/v1/conflicts/c1/resolve", "application/json", []byte(tt.body))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHistory(t *testing.T) {
	p := &fakePipeline{
		versions: map[string][]ir.DataVersion{
			"42": {{VersionID: "v1", RecordID: "42", Seq: 1}},
		},
		snapshots: map[string]*ir.RecordSnapshot{
			"42": {RecordID: "42", VersionID: "v1", Payload: ir.Payload{"name": ir.String("Ann")}},
		},
	}
	s := NewServer(p)

	rec := do(t, s, http.MethodGet, "/v1/records/42/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HistoryResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "42", resp.RecordID)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, ir.String("Ann"), resp.Snapshot.Payload["name"])
	require.Len(t, resp.Versions, 1)
	assert.Equal(t, "v1", resp.Versions[0].VersionID)

	rec = do(t, s, http.MethodGet, "/v1/records/missing/history", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("novellus_events_total 1\n"))
	})
	healthy := true
	s := NewServer(&fakePipeline{},
		WithMetricsHandler(metrics),
		WithHealthCheck("sqlite", func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("locked")
		}),
	)

	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"sqlite":"ok"}}`, rec.Body.String())

	healthy = false
	rec = do(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"sqlite":"locked"}}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "novellus_events_total")
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(&fakePipeline{})
	rec := do(t, s, http.MethodGet, "/v1/events", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := NewServer(&fakePipeline{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
