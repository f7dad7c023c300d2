package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hyperengineering/crmsync/internal/normalize"
	"github.com/hyperengineering/crmsync/internal/schema"
)

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) Quote(ident string) string {
	return pq.QuoteIdentifier(ident)
}

func (postgresDialect) ColumnType(c schema.Column, _ bool) string {
	switch c.Kind {
	case schema.KindInteger:
		return "BIGINT"
	case schema.KindDecimal:
		return decimalType("NUMERIC", c)
	case schema.KindText:
		return fmt.Sprintf("VARCHAR(%d)", c.MaxLength)
	}
	return "TEXT"
}

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d postgresDialect) CreateTable(table string, cols []schema.Column, key string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		d.Quote(table), strings.Join(columnDefs(d, cols, key), ", "))
}

func (d postgresDialect) DropTable(table string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(table)
}

func (d postgresDialect) Merge(target, staging string, cols []schema.Column, key string) string {
	return insertSelectUpsert(d, target, staging, cols, key, "")
}

func (postgresDialect) BindValue(_ schema.Column, v any) any { return v }

// bulkLoad streams rows into table with COPY FROM STDIN.
func (d postgresDialect) bulkLoad(ctx context.Context, tx *sql.Tx, table string, batch *normalize.Batch) error {
	names := make([]string, len(batch.Columns))
	for i, c := range batch.Columns {
		names[i] = c.Canonical()
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, names...))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}
	defer stmt.Close()

	for _, row := range batch.Rows {
		if _, err := stmt.ExecContext(ctx, batch.Values(row)...); err != nil {
			return fmt.Errorf("copy row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flush copy: %w", err)
	}
	return nil
}
