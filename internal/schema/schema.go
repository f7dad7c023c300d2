// Package schema declares the fixed column layout each entity is normalized
// into. A Map drives both row normalization and target table DDL.
package schema

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/crmsync/internal/validation"
)

// Kind is the storage class of a column.
type Kind string

const (
	KindInteger   Kind = "INTEGER"
	KindDecimal   Kind = "DECIMAL"
	KindText      Kind = "TEXT"
	KindLargeText Kind = "LARGE_TEXT"
)

// IsText reports whether values of this kind are stored as strings.
func (k Kind) IsText() bool {
	return k == KindText || k == KindLargeText
}

// IsNumeric reports whether values of this kind are stored as numbers.
func (k Kind) IsNumeric() bool {
	return k == KindInteger || k == KindDecimal
}

// Column describes one target column. Name is the source field name;
// the target column name is its canonical (uppercase) form.
type Column struct {
	Name      string `yaml:"name" json:"name"`
	Kind      Kind   `yaml:"kind" json:"kind"`
	MaxLength int    `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Precision int    `yaml:"precision,omitempty" json:"precision,omitempty"`
	Scale     int    `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Canonical returns the target column name.
func (c Column) Canonical() string {
	return Canonical(c.Name)
}

// Canonical uppercases a column name to the target casing convention.
func Canonical(name string) string {
	return strings.ToUpper(name)
}

// Map is the ordered column layout of one entity. Key names the identifier
// column the merge matches on.
type Map struct {
	Key     string   `yaml:"key" json:"key"`
	Columns []Column `yaml:"columns" json:"columns"`
}

// KeyColumn returns the identifier column.
func (m *Map) KeyColumn() (Column, bool) {
	for _, c := range m.Columns {
		if strings.EqualFold(c.Name, m.Key) {
			return c, true
		}
	}
	return Column{}, false
}

// CanonicalKey returns the canonical identifier column name.
func (m *Map) CanonicalKey() string {
	return Canonical(m.Key)
}

// CanonicalNames returns every canonical column name in declaration order.
func (m *Map) CanonicalNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Canonical()
	}
	return names
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	cols := make([]Column, len(m.Columns))
	copy(cols, m.Columns)
	return &Map{Key: m.Key, Columns: cols}
}

// Validate checks that the map can be normalized into and turned into DDL.
func (m *Map) Validate() error {
	var c validation.Collector

	if len(m.Columns) == 0 {
		c.Add(&validation.ValidationError{Field: "columns", Message: "must not be empty"})
		return c.Err()
	}

	c.Add(validation.ValidateRequired("key", m.Key))
	if key, ok := m.KeyColumn(); !ok {
		c.Add(&validation.ValidationError{
			Field:   "key",
			Message: fmt.Sprintf("column %q is not declared", m.Key),
		})
	} else if key.Kind != KindInteger && key.Kind != KindText {
		c.Add(&validation.ValidationError{
			Field:   "key",
			Message: "must be an INTEGER or TEXT column",
		})
	}

	seen := make(map[string]bool, len(m.Columns))
	for i, col := range m.Columns {
		field := fmt.Sprintf("columns[%d]", i)
		c.Add(validation.ValidateIdentifier(field+".name", col.Name))

		canonical := col.Canonical()
		if seen[canonical] {
			c.Add(&validation.ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate column %q", canonical),
			})
		}
		seen[canonical] = true

		switch col.Kind {
		case KindText:
			c.Add(validation.ValidatePositive(field+".max_length", int64(col.MaxLength)))
		case KindDecimal:
			c.Add(validation.ValidateNonNegative(field+".precision", int64(col.Precision)))
			c.Add(validation.ValidateNonNegative(field+".scale", int64(col.Scale)))
			if col.Precision > 0 && col.Scale > col.Precision {
				c.Add(&validation.ValidationError{
					Field:   field + ".scale",
					Message: "must not exceed precision",
				})
			}
		case KindInteger, KindLargeText:
		default:
			c.Add(validation.ValidateEnum(field+".kind", string(col.Kind),
				[]string{string(KindInteger), string(KindDecimal), string(KindText), string(KindLargeText)}))
		}
	}

	return c.Err()
}
