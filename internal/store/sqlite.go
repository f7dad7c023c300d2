package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hyperengineering/crmsync/internal/schema"
)

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (sqliteDialect) ColumnType(c schema.Column, _ bool) string {
	switch c.Kind {
	case schema.KindInteger:
		return "INTEGER"
	case schema.KindDecimal:
		return "REAL"
	}
	return "TEXT"
}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (d sqliteDialect) CreateTable(table string, cols []schema.Column, key string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		d.Quote(table), strings.Join(columnDefs(d, cols, key), ", "))
}

func (d sqliteDialect) DropTable(table string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(table)
}

// Merge needs the WHERE clause: without it SQLite reads ON CONFLICT as a
// join constraint of the SELECT.
func (d sqliteDialect) Merge(target, staging string, cols []schema.Column, key string) string {
	return insertSelectUpsert(d, target, staging, cols, key, " WHERE true")
}

func (sqliteDialect) BindValue(_ schema.Column, v any) any { return v }

// enablePragmas sets SQLite pragmas for concurrent readers and safe writes.
func enablePragmas(db *sql.DB, busyTimeoutMS int) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=" + strconv.Itoa(busyTimeoutMS),
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}
