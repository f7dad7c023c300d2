package snapshot

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	duckdb "github.com/duckdb/duckdb-go/v2"

	"github.com/hyperengineering/crmsync/internal/normalize"
	"github.com/hyperengineering/crmsync/internal/schema"
)

const stagingTable = "snapshot_rows"

// duckType maps a column kind to the DuckDB column type written to Parquet.
func duckType(c schema.Column) string {
	switch c.Kind {
	case schema.KindInteger:
		return "BIGINT"
	case schema.KindDecimal:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// WriteParquet writes batch to a Parquet file at path using an in-memory
// DuckDB database and returns the row count read back from the file.
func WriteParquet(ctx context.Context, path string, batch *normalize.Batch) (int64, error) {
	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return 0, fmt.Errorf("create duckdb connector: %w", err)
	}
	defer connector.Close()

	db := sql.OpenDB(connector)
	defer db.Close()

	defs := make([]string, len(batch.Columns))
	for i, c := range batch.Columns {
		defs[i] = quoteIdent(c.Canonical()) + " " + duckType(c)
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", stagingTable, strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, create); err != nil {
		return 0, fmt.Errorf("create snapshot table: %w", err)
	}

	if err := appendRows(ctx, connector, batch); err != nil {
		return 0, err
	}

	exprs, err := selectList(ctx, db, batch.Columns)
	if err != nil {
		return 0, err
	}
	copyStmt := fmt.Sprintf("COPY (SELECT %s FROM %s) TO %s (FORMAT PARQUET)",
		strings.Join(exprs, ", "), stagingTable, quoteLiteral(path))
	if _, err := db.ExecContext(ctx, copyStmt); err != nil {
		return 0, fmt.Errorf("write parquet: %w", err)
	}

	var written int64
	verify := fmt.Sprintf("SELECT count(*) FROM read_parquet(%s)", quoteLiteral(path))
	if err := db.QueryRowContext(ctx, verify).Scan(&written); err != nil {
		return 0, fmt.Errorf("verify parquet: %w", err)
	}
	return written, nil
}

// selectList returns the exported expression of each column. LARGE_TEXT
// columns holding only JSON arrays or objects are decoded into nested
// Parquet lists and structs; every other column is written as stored.
func selectList(ctx context.Context, db *sql.DB, cols []schema.Column) ([]string, error) {
	exprs := make([]string, len(cols))
	for i, c := range cols {
		name := quoteIdent(c.Canonical())
		exprs[i] = name
		if c.Kind != schema.KindLargeText {
			continue
		}
		structure, err := nestedStructure(ctx, db, name)
		if err != nil {
			return nil, err
		}
		if structure != "" {
			exprs[i] = fmt.Sprintf("from_json(%s, %s) AS %s", name, quoteLiteral(structure), name)
		}
	}
	return exprs, nil
}

// nestedStructure returns the merged JSON structure of column col, or ""
// when the column is empty, holds plain text, or has no typed elements.
func nestedStructure(ctx context.Context, db *sql.DB, col string) (string, error) {
	var present, plain int64
	check := fmt.Sprintf(`SELECT count(%[1]s),
		count(*) FILTER (WHERE %[1]s IS NOT NULL
			AND NOT (json_valid(%[1]s) AND left(trim(%[1]s), 1) IN ('[', '{')))
		FROM %[2]s`, col, stagingTable)
	if err := db.QueryRowContext(ctx, check).Scan(&present, &plain); err != nil {
		return "", fmt.Errorf("inspect column %s: %w", col, err)
	}
	if present == 0 || plain > 0 {
		return "", nil
	}

	var structure sql.NullString
	infer := fmt.Sprintf("SELECT json_group_structure(json(%s))::VARCHAR FROM %s", col, stagingTable)
	if err := db.QueryRowContext(ctx, infer).Scan(&structure); err != nil {
		return "", fmt.Errorf("infer structure of %s: %w", col, err)
	}
	// Only empty arrays or null members seen: no element type to decode into.
	if !structure.Valid || strings.Contains(structure.String, `"NULL"`) {
		return "", nil
	}
	return structure.String, nil
}

// appendRows loads the batch through the DuckDB appender on a native
// connection that shares the connector's database.
func appendRows(ctx context.Context, connector *duckdb.Connector, batch *normalize.Batch) error {
	conn, err := connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect duckdb: %w", err)
	}
	defer conn.Close()

	duckConn, ok := conn.(*duckdb.Conn)
	if !ok {
		return fmt.Errorf("unexpected duckdb connection type %T", conn)
	}

	appender, err := duckdb.NewAppenderFromConn(duckConn, "", stagingTable)
	if err != nil {
		return fmt.Errorf("create appender: %w", err)
	}

	for _, row := range batch.Rows {
		vals := batch.Values(row)
		args := make([]driver.Value, len(vals))
		for i, v := range vals {
			args[i] = v
		}
		if err := appender.AppendRow(args...); err != nil {
			appender.Close()
			return fmt.Errorf("append snapshot row: %w", err)
		}
	}

	if err := appender.Close(); err != nil {
		return fmt.Errorf("flush appender: %w", err)
	}
	return nil
}
