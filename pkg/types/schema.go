package types

import (
	"fmt"
	"strings"
	"time"
)

// ColumnType is the logical type of a table column.
type ColumnType string

const (
	ColumnText    ColumnType = "Text"
	ColumnInteger ColumnType = "Integer"
	ColumnReal    ColumnType = "Real"
	ColumnBlob    ColumnType = "Blob"
	ColumnBoolean ColumnType = "Boolean"
)

// ParseColumnType accepts the logical tag in any case as well as the SQLite
// spellings (TEXT, INTEGER, REAL, BLOB, BOOL/BOOLEAN).
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TEXT":
		return ColumnText, nil
	case "INTEGER", "INT":
		return ColumnInteger, nil
	case "REAL", "FLOAT", "DOUBLE":
		return ColumnReal, nil
	case "BLOB":
		return ColumnBlob, nil
	case "BOOLEAN", "BOOL":
		return ColumnBoolean, nil
	}
	return "", fmt.Errorf("unknown column type %q", s)
}

// Valid reports whether t is one of the known column types.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnText, ColumnInteger, ColumnReal, ColumnBlob, ColumnBoolean:
		return true
	}
	return false
}

// SQLiteType returns the storage class used for the column in SQLite.
// Booleans are stored as INTEGER 0/1.
func (t ColumnType) SQLiteType() string {
	switch t {
	case ColumnInteger, ColumnBoolean:
		return "INTEGER"
	case ColumnReal:
		return "REAL"
	case ColumnBlob:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// TableDef describes the shape of one table inside a namespace.
type TableDef struct {
	// Name is unique within a namespace
	Name string `json:"name" yaml:"name"`

	// Columns in declaration order
	Columns []ColumnDef `json:"columns" yaml:"columns"`

	// TTL enables row expiry when set
	TTL *TtlConfig `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// ColumnDef defines a single column.
type ColumnDef struct {
	Name       string     `json:"name" yaml:"name"`
	Type       ColumnType `json:"column_type" yaml:"column_type"`
	PrimaryKey bool       `json:"primary_key" yaml:"primary_key"`
	Indexed    bool       `json:"indexed" yaml:"indexed"`
	Nullable   bool       `json:"nullable" yaml:"nullable"`

	// Default is the SQL literal used for existing and omitted values
	Default *string `json:"default,omitempty" yaml:"default,omitempty"`
}

// TtlConfig configures automatic expiry of rows.
type TtlConfig struct {
	// Column holds the expiry timestamp in unix milliseconds
	Column string `json:"column" yaml:"column"`

	// CleanupIntervalMs is how often expired rows are swept
	CleanupIntervalMs uint64 `json:"cleanup_interval_ms" yaml:"cleanup_interval_ms"`
}

// CleanupInterval returns the sweep interval as a duration.
func (c TtlConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

// Column returns the named column.
func (d TableDef) Column(name string) (ColumnDef, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// PrimaryKey returns the primary key column, if the table declares one.
func (d TableDef) PrimaryKey() (ColumnDef, bool) {
	for _, c := range d.Columns {
		if c.PrimaryKey {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// ColumnNames returns the column names in declaration order.
func (d TableDef) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Clone returns a deep copy of the definition.
func (d TableDef) Clone() TableDef {
	out := TableDef{Name: d.Name}
	if d.Columns != nil {
		out.Columns = make([]ColumnDef, len(d.Columns))
		for i, c := range d.Columns {
			if c.Default != nil {
				v := *c.Default
				c.Default = &v
			}
			out.Columns[i] = c
		}
	}
	if d.TTL != nil {
		ttl := *d.TTL
		out.TTL = &ttl
	}
	return out
}
