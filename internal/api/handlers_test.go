package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/crmsync/internal/ledger"
	"github.com/hyperengineering/crmsync/internal/types"
	"github.com/hyperengineering/crmsync/internal/worker"
)

// mockRunStore implements RunStore for testing.
type mockRunStore struct {
	runs     map[string]*types.RunReport
	last     map[types.Entity]*types.RunReport
	listErr  error
	lastErr  error
	gotOpts  ledger.ListOptions
	listNil  bool
}

func (m *mockRunStore) ListSyncRuns(ctx context.Context, opts ledger.ListOptions) ([]*types.RunReport, error) {
	m.gotOpts = opts
	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.listNil {
		return nil, nil
	}
	var out []*types.RunReport
	for _, r := range m.runs {
		if opts.Entity == "" || r.Entity == opts.Entity {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRunStore) GetSyncRun(ctx context.Context, id string) (*types.RunReport, error) {
	if r, ok := m.runs[id]; ok {
		return r, nil
	}
	return nil, ledger.ErrNotFound
}

func (m *mockRunStore) LastSyncRun(ctx context.Context, e types.Entity) (*types.RunReport, error) {
	if m.lastErr != nil {
		return nil, m.lastErr
	}
	if r, ok := m.last[e]; ok {
		return r, nil
	}
	return nil, ledger.ErrNotFound
}

// mockTrigger implements Trigger for testing.
type mockTrigger struct {
	mu  sync.Mutex
	err error
	got []types.Entity
}

func (m *mockTrigger) TryRun(ctx context.Context, entities ...types.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, entities...)
	return m.err
}

func sampleRun(id string, e types.Entity) *types.RunReport {
	start := time.Date(2026, 10, 1, 6, 0, 0, 0, time.UTC)
	return &types.RunReport{
		RunID:      id,
		Entity:     e,
		Table:      "OPORTUNIDADES_REAL",
		State:      "DONE",
		StartedAt:  start,
		FinishedAt: start.Add(42 * time.Second),
		Merged:     17,
	}
}

type testServer struct {
	router    http.Handler
	runs      *mockRunStore
	syncs     *mockTrigger
	snapshots *mockTrigger
}

func newTestServer() *testServer {
	ts := &testServer{
		runs: &mockRunStore{
			runs: map[string]*types.RunReport{
				"01J0RUN1": sampleRun("01J0RUN1", types.EntityOpportunity),
				"01J0RUN2": sampleRun("01J0RUN2", types.EntityActivity),
			},
			last: map[types.Entity]*types.RunReport{
				types.EntityOpportunity: sampleRun("01J0RUN1", types.EntityOpportunity),
			},
		},
		syncs:     &mockTrigger{},
		snapshots: &mockTrigger{},
	}
	h := NewHandler(ts.runs, ts.syncs, ts.snapshots, types.AllEntities, testAPIKey, "1.2.3")
	ts.router = NewRouter(h)
	return ts
}

func (ts *testServer) do(method, path string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHealth_ReportsLastRuns(t *testing.T) {
	// Given: Only the opportunity entity has run
	ts := newTestServer()

	// When: Health is requested without credentials
	w := ts.do(http.MethodGet, "/api/v1/health", false)

	// Then: It is public and lists the one known last run
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "1.2.3" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.LastRuns) != 1 || resp.LastRuns["opportunity"].RunID != "01J0RUN1" {
		t.Errorf("last_runs = %+v", resp.LastRuns)
	}
}

func TestHealth_LedgerUnavailable(t *testing.T) {
	ts := newTestServer()
	ts.runs.lastErr = errors.New("database is locked")

	w := ts.do(http.MethodGet, "/api/v1/health", false)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestListRuns_RequiresAuth(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodGet, "/api/v1/runs", false)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestListRuns_FiltersByEntity(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodGet, "/api/v1/runs?entity=activity&limit=10", true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var list RunList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Runs) != 1 || list.Runs[0].RunID != "01J0RUN2" {
		t.Errorf("runs = %+v", list.Runs)
	}
	if ts.runs.gotOpts.Entity != types.EntityActivity || ts.runs.gotOpts.Limit != 10 {
		t.Errorf("opts = %+v", ts.runs.gotOpts)
	}
}

func TestListRuns_EmptyIsArray(t *testing.T) {
	ts := newTestServer()
	ts.runs.listNil = true

	w := ts.do(http.MethodGet, "/api/v1/runs", true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Body.String(); got != "{\"runs\":[]}\n" {
		t.Errorf("body = %q", got)
	}
}

func TestListRuns_InvalidQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		field string
	}{
		{"unknown entity", "?entity=invoice", "entity"},
		{"non-numeric limit", "?limit=ten", "limit"},
		{"zero limit", "?limit=0", "limit"},
		{"limit above max", "?limit=501", "limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()

			w := ts.do(http.MethodGet, "/api/v1/runs"+tt.query, true)

			if w.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", w.Code)
			}
			var p ProblemWithErrors
			if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(p.Errors) != 1 || p.Errors[0].Field != tt.field {
				t.Errorf("errors = %+v, want field %q", p.Errors, tt.field)
			}
		})
	}
}

func TestListRuns_StoreError(t *testing.T) {
	ts := newTestServer()
	ts.runs.listErr = errors.New("disk I/O error")

	w := ts.do(http.MethodGet, "/api/v1/runs", true)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestGetRun(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodGet, "/api/v1/runs/01J0RUN1", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var run types.RunReport
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if run.RunID != "01J0RUN1" || run.Merged != 17 {
		t.Errorf("run = %+v", run)
	}

	if w := ts.do(http.MethodGet, "/api/v1/runs/missing", true); w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", w.Code)
	}
}

func TestTriggerSync_Accepted(t *testing.T) {
	// Given: No sync is running
	ts := newTestServer()

	// When: A sync of deals is requested by alias
	w := ts.do(http.MethodPost, "/api/v1/sync/deals", true)

	// Then: The opportunity entity is started in the background
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var resp Accepted
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Kind != "sync" || resp.Entity != types.EntityOpportunity {
		t.Errorf("resp = %+v", resp)
	}
	if len(ts.syncs.got) != 1 || ts.syncs.got[0] != types.EntityOpportunity {
		t.Errorf("triggered = %v", ts.syncs.got)
	}
	if len(ts.snapshots.got) != 0 {
		t.Errorf("snapshot trigger called: %v", ts.snapshots.got)
	}
}

func TestTriggerSync_Conflict(t *testing.T) {
	ts := newTestServer()
	ts.syncs.err = worker.ErrRunInProgress

	w := ts.do(http.MethodPost, "/api/v1/sync/activity", true)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestTriggerSnapshot_Accepted(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodPost, "/api/v1/snapshot/activity", true)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(ts.snapshots.got) != 1 || ts.snapshots.got[0] != types.EntityActivity {
		t.Errorf("triggered = %v", ts.snapshots.got)
	}
}

func TestTrigger_UnknownEntity(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodPost, "/api/v1/sync/invoices", true)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if len(ts.syncs.got) != 0 {
		t.Errorf("trigger called for unknown entity")
	}
}

func TestTrigger_RequiresAuth(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodPost, "/api/v1/snapshot/activity", false)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if len(ts.snapshots.got) != 0 {
		t.Errorf("trigger called without auth")
	}
}
