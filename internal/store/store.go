// Package store applies normalized batches to the relational target table
// through a staging table and a single set-based merge.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/crmsync/internal/normalize"
	"github.com/hyperengineering/crmsync/internal/schema"
	"github.com/hyperengineering/crmsync/internal/validation"
)

// TargetStore is the relational target. Apply calls are serialized.
type TargetStore struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
}

// Open connects to the target database named by driver and dsn.
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*TargetStore, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	if d.Name() == "sqlite" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open target database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	if d.Name() == "sqlite" {
		if err := enablePragmas(db, 5000); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable pragmas: %w", err)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect target database: %w", err)
	}

	return New(db, d), nil
}

// New wraps an open database handle.
func New(db *sql.DB, d Dialect) *TargetStore {
	return &TargetStore{db: db, dialect: d}
}

// Dialect returns the SQL dialect of the target.
func (s *TargetStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *TargetStore) Close() error {
	return s.db.Close()
}

func checkTable(table string) error {
	if verr := validation.ValidateIdentifier("table", table); verr != nil {
		return fmt.Errorf("%w: %q %s", ErrInvalidIdentifier, table, verr.Message)
	}
	return nil
}

// EnsureTable creates the target table, keyed on the map's key column, when
// it does not exist. An existing table is never altered.
func (s *TargetStore) EnsureTable(ctx context.Context, table string, m *schema.Map) error {
	if err := checkTable(table); err != nil {
		return err
	}
	stmt := s.dialect.CreateTable(table, canonicalColumns(m.Columns), m.CanonicalKey())
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// Apply upserts batch into table and returns the number of rows merged.
// An empty batch issues no SQL. Rows go into a fresh staging table in one
// transaction and are merged into table in a second one; the staging table
// is dropped afterwards whether or not the merge succeeded. On failure the
// target table is left as it was.
func (s *TargetStore) Apply(ctx context.Context, table string, batch *normalize.Batch) (int64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := checkTable(table); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staging := StagingTable(table)
	cols := canonicalColumns(batch.Columns)
	logger := slog.With("component", "store", "table", table, "staging", staging)

	// A staging table left by an interrupted run is discarded first.
	s.dropStaging(ctx, staging, logger)
	defer s.dropStaging(context.WithoutCancel(ctx), staging, logger)

	if _, err := s.db.ExecContext(ctx, s.dialect.CreateTable(staging, cols, "")); err != nil {
		return 0, fmt.Errorf("%w: create %s: %w", ErrStaging, staging, err)
	}

	if err := s.load(ctx, staging, batch); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrLoad, staging, err)
	}
	logger.Debug("staging loaded", "action", "staging_loaded", "rows", batch.Len())

	if err := s.merge(ctx, table, staging, cols, batch.Key); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrMerge, table, err)
	}

	logger.Info("batch merged", "action", "merged", "rows", batch.Len())
	return int64(batch.Len()), nil
}

func (s *TargetStore) dropStaging(ctx context.Context, staging string, logger *slog.Logger) {
	if _, err := s.db.ExecContext(ctx, s.dialect.DropTable(staging)); err != nil {
		logger.Warn("drop staging table failed", "action", "staging_drop_failed", "error", err)
	}
}

// load inserts every row into the staging table in one transaction.
func (s *TargetStore) load(ctx context.Context, staging string, batch *normalize.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if pg, ok := s.dialect.(postgresDialect); ok {
		if err := pg.bulkLoad(ctx, tx, staging, batch); err != nil {
			return err
		}
		return tx.Commit()
	}

	stmt, err := tx.PrepareContext(ctx, insertStatement(s.dialect, staging, canonicalColumns(batch.Columns)))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(batch.Columns))
	for _, row := range batch.Rows {
		for i, c := range batch.Columns {
			args[i] = s.dialect.BindValue(c, row[c.Canonical()])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}

	return tx.Commit()
}

func (s *TargetStore) merge(ctx context.Context, table, staging string, cols []schema.Column, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.Merge(table, staging, cols, key)); err != nil {
		return err
	}
	return tx.Commit()
}

// ReadAll returns every row of table shaped by m, ordered by key.
func (s *TargetStore) ReadAll(ctx context.Context, table string, m *schema.Map) (*normalize.Batch, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	cols := canonicalColumns(m.Columns)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = s.dialect.Quote(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(names, ", "), s.dialect.Quote(table), s.dialect.Quote(m.CanonicalKey()))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	batch := &normalize.Batch{Columns: cols, Key: m.CanonicalKey()}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row := make(normalize.Row, len(cols))
		for i, c := range cols {
			v := raw[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[c.Name] = normalize.Value(v, c)
		}
		batch.Rows = append(batch.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return batch, nil
}

// canonicalColumns returns cols with names in target casing.
func canonicalColumns(cols []schema.Column) []schema.Column {
	out := make([]schema.Column, len(cols))
	for i, c := range cols {
		c.Name = c.Canonical()
		out[i] = c
	}
	return out
}
