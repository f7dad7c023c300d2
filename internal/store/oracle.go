package store

import (
	"fmt"
	"strings"

	go_ora "github.com/sijms/go-ora/v2"

	"github.com/hyperengineering/crmsync/internal/schema"
)

// Oracle error codes tolerated by guarded DDL.
const (
	oraNameInUse     = -955
	oraTableNotFound = -942
	oraMaxVarchar2   = 4000
)

type oracleDialect struct{}

func (oracleDialect) Name() string       { return "oracle" }
func (oracleDialect) DriverName() string { return "oracle" }

func (oracleDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (oracleDialect) ColumnType(c schema.Column, _ bool) string {
	switch c.Kind {
	case schema.KindInteger:
		return "NUMBER(19)"
	case schema.KindDecimal:
		return decimalType("NUMBER", c)
	case schema.KindText:
		if c.MaxLength > oraMaxVarchar2 {
			return "CLOB"
		}
		return fmt.Sprintf("VARCHAR2(%d CHAR)", c.MaxLength)
	}
	return "CLOB"
}

func (oracleDialect) Placeholder(n int) string { return fmt.Sprintf(":%d", n) }

// guardedDDL wraps a DDL statement in a PL/SQL block that ignores one
// expected error code.
func guardedDDL(ddl string, ignore int) string {
	return fmt.Sprintf(
		"BEGIN EXECUTE IMMEDIATE '%s'; EXCEPTION WHEN OTHERS THEN IF SQLCODE != %d THEN RAISE; END IF; END;",
		strings.ReplaceAll(ddl, "'", "''"), ignore)
}

func (d oracleDialect) CreateTable(table string, cols []schema.Column, key string) string {
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", d.Quote(table), strings.Join(columnDefs(d, cols, key), ", "))
	return guardedDDL(ddl, oraNameInUse)
}

func (d oracleDialect) DropTable(table string) string {
	return guardedDDL("DROP TABLE "+d.Quote(table)+" PURGE", oraTableNotFound)
}

func (d oracleDialect) Merge(target, staging string, cols []schema.Column, key string) string {
	var sets []string
	for _, c := range cols {
		if c.Canonical() == key {
			continue
		}
		q := d.Quote(c.Canonical())
		sets = append(sets, "t."+q+" = s."+q)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s t USING %s s ON (t.%s = s.%s)",
		d.Quote(target), d.Quote(staging), d.Quote(key), d.Quote(key))
	if len(sets) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET " + strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(quoteAll(d, cols, ""), ", "), strings.Join(quoteAll(d, cols, "s."), ", "))
	return b.String()
}

// BindValue binds CLOB columns as go-ora Clob values; plain strings are
// limited to 32767 bytes.
func (d oracleDialect) BindValue(c schema.Column, v any) any {
	if d.ColumnType(c, false) != "CLOB" {
		return v
	}
	s, ok := v.(string)
	if !ok {
		return go_ora.Clob{Valid: false}
	}
	return go_ora.Clob{String: s, Valid: true}
}
