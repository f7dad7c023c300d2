// Package ledger keeps the local history of sync runs and snapshot exports
// in a SQLite database.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyperengineering/crmsync/internal/types"
)

// DefaultListLimit bounds list queries that do not set a limit.
const DefaultListLimit = 20

// timeFormat has a fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger is the SQLite-backed run history.
type Ledger struct {
	db *sql.DB
}

// ListOptions filters list queries. A zero Entity matches every entity.
type ListOptions struct {
	Entity types.Entity
	Limit  int
}

// Open opens (creating when needed) the ledger database at path and applies
// migrations.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Ledger{db: db}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// RecordSyncRun stores a run report, replacing any earlier entry with the
// same run ID.
func (l *Ledger) RecordSyncRun(ctx context.Context, r *types.RunReport) error {
	if r.RunID == "" {
		return errors.New("run report has no run ID")
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_runs (
			id, entity, target_table, state, cutoff, started_at, finished_at,
			estimate_total, estimate_ok, page_size,
			pages_requested, pages_fetched, pages_failed, items, invalid_items,
			details_ok, details_failed, details_skipped, details_abandoned,
			rows_input, rows_out, duplicates, missing_key, merged, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(r.Entity), r.Table, r.State, formatTime(r.Cutoff), formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.Estimate.Total, r.Estimate.OK, r.Estimate.PageSize,
		r.Pages.Requested, r.Pages.Fetched, r.Pages.Failed, r.Pages.Items, r.Pages.InvalidItems,
		r.Details.OK, r.Details.Failed, r.Details.Skipped, r.Details.Abandoned,
		r.Normalize.Input, r.Normalize.Rows, r.Normalize.Duplicates, r.Normalize.MissingKey,
		r.Merged, nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}
	return nil
}

const syncRunColumns = `
	id, entity, target_table, state, cutoff, started_at, finished_at,
	estimate_total, estimate_ok, page_size,
	pages_requested, pages_fetched, pages_failed, items, invalid_items,
	details_ok, details_failed, details_skipped, details_abandoned,
	rows_input, rows_out, duplicates, missing_key, merged, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncRun(s rowScanner) (*types.RunReport, error) {
	var (
		r                       types.RunReport
		entity                  string
		cutoff, started, finish sql.NullString
		errText                 sql.NullString
	)
	err := s.Scan(
		&r.RunID, &entity, &r.Table, &r.State, &cutoff, &started, &finish,
		&r.Estimate.Total, &r.Estimate.OK, &r.Estimate.PageSize,
		&r.Pages.Requested, &r.Pages.Fetched, &r.Pages.Failed, &r.Pages.Items, &r.Pages.InvalidItems,
		&r.Details.OK, &r.Details.Failed, &r.Details.Skipped, &r.Details.Abandoned,
		&r.Normalize.Input, &r.Normalize.Rows, &r.Normalize.Duplicates, &r.Normalize.MissingKey,
		&r.Merged, &errText,
	)
	if err != nil {
		return nil, err
	}
	r.Entity = types.Entity(entity)
	r.Cutoff = parseTime(cutoff)
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finish)
	r.Error = errText.String
	return &r, nil
}

// GetSyncRun returns the run with the given ID or ErrNotFound.
func (l *Ledger) GetSyncRun(ctx context.Context, id string) (*types.RunReport, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE id = ?`, id)
	r, err := scanSyncRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run: %w", err)
	}
	return r, nil
}

// ListSyncRuns returns runs newest first.
func (l *Ledger) ListSyncRuns(ctx context.Context, opts ListOptions) ([]*types.RunReport, error) {
	query, args := listQuery("sync_runs", syncRunColumns, opts)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var out []*types.RunReport
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastSyncRun returns the newest run of entity or ErrNotFound.
func (l *Ledger) LastSyncRun(ctx context.Context, entity types.Entity) (*types.RunReport, error) {
	runs, err := l.ListSyncRuns(ctx, ListOptions{Entity: entity, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return runs[0], nil
}

// RecordSnapshotExport stores a snapshot export result.
func (l *Ledger) RecordSnapshotExport(ctx context.Context, r *types.SnapshotResult) error {
	if r.RunID == "" {
		return errors.New("snapshot result has no run ID")
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshot_exports (
			id, entity, target_table, object, row_count, bytes, uploaded, skipped, started_at, finished_at, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(r.Entity), r.Table, r.Object, r.Rows, r.Bytes, r.Uploaded, r.Skipped,
		formatTime(r.StartedAt), formatTime(r.FinishedAt), nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("record snapshot export: %w", err)
	}
	return nil
}

const snapshotColumns = `id, entity, target_table, object, row_count, bytes, uploaded, skipped, started_at, finished_at, error`

// ListSnapshotExports returns snapshot exports newest first.
func (l *Ledger) ListSnapshotExports(ctx context.Context, opts ListOptions) ([]*types.SnapshotResult, error) {
	query, args := listQuery("snapshot_exports", snapshotColumns, opts)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshot exports: %w", err)
	}
	defer rows.Close()

	var out []*types.SnapshotResult
	for rows.Next() {
		var (
			r               types.SnapshotResult
			entity          string
			started, finish sql.NullString
			errText         sql.NullString
		)
		if err := rows.Scan(&r.RunID, &entity, &r.Table, &r.Object, &r.Rows, &r.Bytes, &r.Uploaded, &r.Skipped,
			&started, &finish, &errText); err != nil {
			return nil, fmt.Errorf("scan snapshot export: %w", err)
		}
		r.Entity = types.Entity(entity)
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finish)
		r.Error = errText.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

func listQuery(table, columns string, opts ListOptions) (string, []any) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var (
		b    strings.Builder
		args []any
	)
	fmt.Fprintf(&b, "SELECT %s FROM %s", columns, table)
	if opts.Entity != "" {
		b.WriteString(" WHERE entity = ?")
		args = append(args, string(opts.Entity))
	}
	b.WriteString(" ORDER BY started_at DESC, id DESC LIMIT ?")
	args = append(args, limit)
	return b.String(), args
}
