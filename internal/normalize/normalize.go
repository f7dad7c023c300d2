// Package normalize turns record details into typed rows shaped by a
// schema.Map.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hyperengineering/crmsync/internal/schema"
	"github.com/hyperengineering/crmsync/internal/types"
)

// Row maps canonical column names to values. Values are nil, int64,
// float64 or string.
type Row map[string]any

// Batch is the normalizer output: rows in a fixed column layout with unique
// key values.
type Batch struct {
	Columns []schema.Column
	Key     string
	Rows    []Row
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Values returns the row values in column order.
func (b *Batch) Values(r Row) []any {
	out := make([]any, len(b.Columns))
	for i, c := range b.Columns {
		out[i] = r[c.Canonical()]
	}
	return out
}

// Normalize converts details into a Batch. Every schema column is present in
// every row. Rows are deduplicated by key value with the last occurrence
// winning and keeping its position; rows whose key is null are dropped.
func Normalize(details []types.RecordDetail, m *schema.Map) (*Batch, types.NormalizeStats) {
	stats := types.NormalizeStats{Input: len(details)}
	batch := &Batch{Columns: m.Clone().Columns, Key: m.CanonicalKey()}

	rows := make([]Row, 0, len(details))
	keys := make([]string, 0, len(details))
	for _, d := range details {
		row := normalizeRecord(d, m)
		key := row[batch.Key]
		if key == nil {
			stats.MissingKey++
			continue
		}
		rows = append(rows, row)
		keys = append(keys, fmt.Sprint(key))
	}

	last := make(map[string]int, len(keys))
	for i, k := range keys {
		last[k] = i
	}
	for i, row := range rows {
		if last[keys[i]] != i {
			stats.Duplicates++
			continue
		}
		batch.Rows = append(batch.Rows, row)
	}

	stats.Rows = len(batch.Rows)
	return batch, stats
}

func normalizeRecord(d types.RecordDetail, m *schema.Map) Row {
	row := make(Row, len(m.Columns))
	for _, c := range m.Columns {
		row[c.Canonical()] = Value(d[c.Name], c)
	}
	return row
}

// Value coerces one raw detail value to the column's storage class.
func Value(v any, c schema.Column) any {
	switch c.Kind {
	case schema.KindInteger:
		return toInteger(v)
	case schema.KindDecimal:
		return toDecimal(v, c)
	case schema.KindText:
		s, ok := toText(v)
		if !ok {
			return nil
		}
		return truncate(s, c.MaxLength)
	case schema.KindLargeText:
		s, ok := toText(v)
		if !ok {
			return nil
		}
		return s
	}
	return nil
}

// toText renders v as text. Collections become compact JSON; a collection
// that cannot be encoded becomes "[]".
func toText(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case []any, map[string]any:
		s, err := compactJSON(x)
		if err != nil {
			return "[]", true
		}
		return s, true
	default:
		return fmt.Sprint(x), true
	}
}

func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// toFloat parses numbers, numeric strings and bools. NaN and infinities are
// treated as unparsable.
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		p, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return 0, false
		}
		f = p
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case bool:
		if x {
			f = 1
		}
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toDecimal parses like toFloat and rounds to the column scale. Values that
// do not fit Precision digits are unparsable.
func toDecimal(v any, c schema.Column) any {
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	if c.Scale > 0 {
		p := math.Pow(10, float64(c.Scale))
		f = math.Round(f*p) / p
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	if c.Precision > 0 && math.Abs(f) >= math.Pow(10, float64(c.Precision-c.Scale)) {
		return nil
	}
	return f
}

// toInteger parses like toFloat and truncates toward zero. Integral inputs
// are parsed exactly so large identifiers keep every digit.
func toInteger(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return n
		}
	case int64:
		return x
	case int:
		return int64(x)
	}

	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	f = math.Trunc(f)
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return nil
	}
	return int64(f)
}

// truncate shortens s to at most n runes. n <= 0 leaves s unchanged.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
