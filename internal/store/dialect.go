package store

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/crmsync/internal/schema"
)

// Dialect renders the SQL one target database needs. Identifiers passed in
// are already validated plain names; implementations quote them.
type Dialect interface {
	// Name is the config name of the dialect.
	Name() string
	// DriverName is the database/sql driver the dialect runs on.
	DriverName() string
	Quote(ident string) string
	ColumnType(c schema.Column, key bool) string
	// Placeholder returns the bind marker of the n-th (1-based) parameter.
	Placeholder(n int) string
	// CreateTable creates table when absent. A non-empty key becomes the
	// primary key.
	CreateTable(table string, cols []schema.Column, key string) string
	// DropTable drops table when present.
	DropTable(table string) string
	// Merge upserts every staging row into target, matching on key only.
	Merge(target, staging string, cols []schema.Column, key string) string
	// BindValue adapts a normalized value before it is bound.
	BindValue(c schema.Column, v any) any
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql":
		return postgresDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	case "oracle":
		return oracleDialect{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, name)
}

// StagingTable returns the name of the staging table for a target table.
func StagingTable(table string) string {
	return table + "_TEMP"
}

func columnDefs(d Dialect, cols []schema.Column, key string) []string {
	defs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		isKey := key != "" && c.Canonical() == key
		def := d.Quote(c.Canonical()) + " " + d.ColumnType(c, isKey)
		if isKey {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if key != "" {
		defs = append(defs, "PRIMARY KEY ("+d.Quote(key)+")")
	}
	return defs
}

func quoteAll(d Dialect, cols []schema.Column, prefix string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + d.Quote(c.Canonical())
	}
	return out
}

// insertSelectUpsert renders the INSERT … SELECT … ON CONFLICT form shared
// by SQLite and PostgreSQL.
func insertSelectUpsert(d Dialect, target, staging string, cols []schema.Column, key, where string) string {
	names := strings.Join(quoteAll(d, cols, ""), ", ")

	var sets []string
	for _, c := range cols {
		if c.Canonical() == key {
			continue
		}
		q := d.Quote(c.Canonical())
		sets = append(sets, q+" = excluded."+q)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM %s%s ON CONFLICT (%s) ",
		d.Quote(target), names, names, d.Quote(staging), where, d.Quote(key))
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET " + strings.Join(sets, ", "))
	}
	return b.String()
}

func insertStatement(d Dialect, table string, cols []schema.Column) string {
	marks := make([]string, len(cols))
	for i := range cols {
		marks[i] = d.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(quoteAll(d, cols, ""), ", "), strings.Join(marks, ", "))
}

func decimalType(base string, c schema.Column) string {
	if c.Precision > 0 {
		return fmt.Sprintf("%s(%d,%d)", base, c.Precision, c.Scale)
	}
	return base
}
