package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/hyperengineering/crmsync/internal/config"
	"github.com/hyperengineering/crmsync/internal/ledger"
	"github.com/hyperengineering/crmsync/internal/types"
)

// fakeCRM serves the deals collection with the given amounts keyed by ID.
func fakeCRM(t *testing.T, amounts map[int]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/"), "/"), "/")
		if parts[0] != "deals" {
			_ = json.NewEncoder(w).Encode(map[string]any{"count": 0, "results": []any{}})
			return
		}
		if len(parts) == 2 {
			id, _ := strconv.Atoi(parts[1])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":     id,
				"name":   "deal " + parts[1],
				"amount": amounts[id],
				"tags":   []string{"vip"},
			})
			return
		}
		results := make([]map[string]any, 0, len(amounts))
		for id := range amounts {
			results = append(results, map[string]any{"id": id})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"count": len(amounts), "results": results})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CLIENTIFY_API_TOKEN", "tok-test")
	t.Setenv("CRMSYNC_BASE_URL", baseURL+"/v1/")
	t.Setenv("CRMSYNC_TARGET_DRIVER", "sqlite")
	t.Setenv("CRMSYNC_TARGET_DSN", filepath.Join(dir, "target.db"))
	t.Setenv("CRMSYNC_STATE_PATH", filepath.Join(dir, "state", "crmsync.db"))
	t.Setenv("CRMSYNC_BACKOFF", "1ms")
	t.Setenv("CRMSYNC_SNAPSHOT_BUCKET", "")

	cfg, err := config.LoadPath(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadPath() error = %v", err)
	}
	cfg.Source.PageDelay = 0
	cfg.Snapshot.TempDir = filepath.Join(dir, "tmp")
	return cfg
}

func TestService_SyncThenExport(t *testing.T) {
	// Given: A CRM with two changed deals and an empty target
	srv := fakeCRM(t, map[int]string{1: "10.50", 2: "20"})
	ctx := context.Background()
	svc, err := Open(ctx, testConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer svc.Close()

	// When: The opportunity entity is synced
	report, err := svc.SyncEntity(ctx, types.EntityOpportunity)

	// Then: Both deals are merged and the run is in the ledger
	if err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}
	if report.State != "DONE" || report.Merged != 2 {
		t.Errorf("report = %+v", report)
	}
	last, err := svc.Ledger().LastSyncRun(ctx, types.EntityOpportunity)
	if err != nil {
		t.Fatalf("LastSyncRun() error = %v", err)
	}
	if last.RunID != report.RunID {
		t.Errorf("ledger run = %s, want %s", last.RunID, report.RunID)
	}

	// And: The merged table exports to a local snapshot
	res, err := svc.ExportEntity(ctx, types.EntityOpportunity)
	if err != nil {
		t.Fatalf("ExportEntity() error = %v", err)
	}
	if res.Rows != 2 || res.Uploaded || res.Object != "Archivos_ParquetOportunidades_Real.parquet" {
		t.Errorf("snapshot = %+v", res)
	}
	exports, err := svc.Ledger().ListSnapshotExports(ctx, ledger.ListOptions{})
	if err != nil || len(exports) != 1 {
		t.Errorf("exports = %v, %v", exports, err)
	}
}

func TestService_EmptyWindowSkipsTable(t *testing.T) {
	srv := fakeCRM(t, map[int]string{})
	ctx := context.Background()
	svc, err := Open(ctx, testConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer svc.Close()

	report, err := svc.SyncEntity(ctx, types.EntityActivity)
	if err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}
	if report.State != "DONE" || report.Estimate.Total != 0 {
		t.Errorf("report = %+v", report)
	}

	// The activity table was never created, so exporting it fails.
	if _, err := svc.ExportEntity(ctx, types.EntityActivity); err == nil {
		t.Error("ExportEntity() error = nil for a missing table")
	}
}

func TestService_UnknownEntity(t *testing.T) {
	srv := fakeCRM(t, nil)
	ctx := context.Background()
	svc, err := Open(ctx, testConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer svc.Close()

	if _, err := svc.SyncEntity(ctx, types.Entity("INVOICE")); !errors.Is(err, types.ErrUnknownEntity) {
		t.Errorf("SyncEntity() error = %v, want ErrUnknownEntity", err)
	}
}

func TestOpen_BadTargetClosesLedger(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Target.Driver = "db2"

	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatal("Open() error = nil for an unknown driver")
	}
}
