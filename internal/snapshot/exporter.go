package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/crmsync/internal/normalize"
	"github.com/hyperengineering/crmsync/internal/schema"
	"github.com/hyperengineering/crmsync/internal/types"
)

// ErrRowCountMismatch is returned when the written file does not hold every
// row read from the table.
var ErrRowCountMismatch = errors.New("snapshot row count mismatch")

// TableReader reads a full target table.
type TableReader interface {
	ReadAll(ctx context.Context, table string, m *schema.Map) (*normalize.Batch, error)
}

// ExportRecorder persists export results.
type ExportRecorder interface {
	RecordSnapshotExport(ctx context.Context, r *types.SnapshotResult) error
}

// Job names one table to export.
type Job struct {
	Entity types.Entity
	Table  string
	Object string
	Schema *schema.Map
}

// Exporter writes table snapshots and hands them to an Uploader.
type Exporter struct {
	reader   TableReader
	uploader Uploader
	recorder ExportRecorder
	tempDir  string
	now      func() time.Time
}

// NewExporter creates an Exporter. recorder may be nil; an empty tempDir
// uses the system temp directory.
func NewExporter(reader TableReader, uploader Uploader, recorder ExportRecorder, tempDir string) *Exporter {
	if uploader == nil {
		uploader = &NoopUploader{}
	}
	return &Exporter{
		reader:   reader,
		uploader: uploader,
		recorder: recorder,
		tempDir:  tempDir,
		now:      time.Now,
	}
}

func loggerFor(action string) *slog.Logger {
	return slog.With("component", "snapshot", "action", action)
}

// Export snapshots job.Table. An empty table is skipped and reported as such.
func (e *Exporter) Export(ctx context.Context, job Job) (*types.SnapshotResult, error) {
	res := &types.SnapshotResult{
		RunID:     ulid.Make().String(),
		Entity:    job.Entity,
		Table:     job.Table,
		Object:    job.Object,
		StartedAt: e.now().UTC(),
	}
	logger := loggerFor("export").With("entity", string(job.Entity), "table", job.Table, "run_id", res.RunID)

	err := e.export(ctx, job, res, logger)
	res.FinishedAt = e.now().UTC()
	if err != nil {
		res.Error = err.Error()
		logger.Error("snapshot export failed", "error", err)
	}

	e.record(ctx, res, logger)
	return res, err
}

func (e *Exporter) export(ctx context.Context, job Job, res *types.SnapshotResult, logger *slog.Logger) error {
	batch, err := e.reader.ReadAll(ctx, job.Table, job.Schema)
	if err != nil {
		return fmt.Errorf("read table: %w", err)
	}
	if batch.Len() == 0 {
		res.Skipped = true
		logger.Info("table empty, snapshot skipped")
		return nil
	}

	if e.tempDir != "" {
		if err := os.MkdirAll(e.tempDir, 0755); err != nil {
			return fmt.Errorf("create temp directory: %w", err)
		}
	}
	dir, err := os.MkdirTemp(e.tempDir, "crmsync-snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, filepath.Base(job.Object))
	written, err := WriteParquet(ctx, path, batch)
	if err != nil {
		return err
	}
	if written != int64(batch.Len()) {
		return fmt.Errorf("%w: wrote %d of %d rows", ErrRowCountMismatch, written, batch.Len())
	}
	res.Rows = written

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}
	res.Bytes = info.Size()
	logger.Info("snapshot written",
		"rows", res.Rows,
		"size", humanize.Bytes(uint64(res.Bytes)),
	)

	if !e.uploader.Configured() {
		logger.Info("snapshot storage not configured, discarding export")
		return nil
	}
	if err := e.uploader.Upload(ctx, job.Object, path); err != nil {
		return err
	}
	res.Uploaded = true
	logger.Info("snapshot uploaded", "object", job.Object)
	return nil
}

func (e *Exporter) record(ctx context.Context, res *types.SnapshotResult, logger *slog.Logger) {
	if e.recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.recorder.RecordSnapshotExport(recordCtx, res); err != nil {
		logger.Warn("failed to record snapshot export", "error", err)
	}
}
