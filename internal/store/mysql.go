package store

import (
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/hyperengineering/crmsync/internal/schema"
)

// mysqlMaxVarchar is the longest TEXT column kept as VARCHAR. Longer ones
// become TEXT so wide tables stay under the row size limit.
const mysqlMaxVarchar = 1024

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (mysqlDialect) ColumnType(c schema.Column, key bool) string {
	switch c.Kind {
	case schema.KindInteger:
		return "BIGINT"
	case schema.KindDecimal:
		return decimalType("DECIMAL", c)
	case schema.KindText:
		if key || c.MaxLength <= mysqlMaxVarchar {
			return fmt.Sprintf("VARCHAR(%d)", c.MaxLength)
		}
		return "TEXT"
	}
	return "LONGTEXT"
}

func (mysqlDialect) Placeholder(int) string { return "?" }

func (d mysqlDialect) CreateTable(table string, cols []schema.Column, key string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) CHARACTER SET utf8mb4",
		d.Quote(table), strings.Join(columnDefs(d, cols, key), ", "))
}

func (d mysqlDialect) DropTable(table string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(table)
}

func (d mysqlDialect) Merge(target, staging string, cols []schema.Column, key string) string {
	names := strings.Join(quoteAll(d, cols, ""), ", ")

	var sets []string
	for _, c := range cols {
		if c.Canonical() == key {
			continue
		}
		q := d.Quote(c.Canonical())
		sets = append(sets, q+" = VALUES("+q+")")
	}
	if len(sets) == 0 {
		// Matching rows carry nothing to overwrite.
		q := d.Quote(key)
		sets = append(sets, q+" = "+q)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON DUPLICATE KEY UPDATE %s",
		d.Quote(target), names, names, d.Quote(staging), strings.Join(sets, ", "))
}

func (mysqlDialect) BindValue(_ schema.Column, v any) any { return v }
