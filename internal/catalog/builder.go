// Package catalog provides the schema catalog: validated, immutable table
// definitions and their SQLite DDL.
package catalog

import (
	"fmt"

	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/pkg/types"
)

// TableBuilder accumulates columns and options for one table.
type TableBuilder struct {
	name    string
	columns []types.ColumnDef
	ttl     *types.TtlConfig
}

// NewTable starts a definition for the named table.
func NewTable(name string) *TableBuilder {
	return &TableBuilder{name: name}
}

// Column starts a new column. Call Done to return to the table.
func (b *TableBuilder) Column(name string, colType types.ColumnType) *ColumnBuilder {
	return &ColumnBuilder{
		table: b,
		def:   types.ColumnDef{Name: name, Type: colType},
	}
}

// TTL marks column as the row expiry timestamp, swept every cleanupIntervalMs.
func (b *TableBuilder) TTL(column string, cleanupIntervalMs uint64) *TableBuilder {
	b.ttl = &types.TtlConfig{Column: column, CleanupIntervalMs: cleanupIntervalMs}
	return b
}

// Build validates the definition and returns a copy the builder no longer
// references.
func (b *TableBuilder) Build() (types.TableDef, error) {
	def := types.TableDef{
		Name:    b.name,
		Columns: b.columns,
		TTL:     b.ttl,
	}.Clone()

	if err := Validate(def); err != nil {
		return types.TableDef{}, err
	}
	return def, nil
}

// MustBuild is Build for static definitions known to be valid.
func (b *TableBuilder) MustBuild() types.TableDef {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// ColumnBuilder sets flags on a single column.
type ColumnBuilder struct {
	table *TableBuilder
	def   types.ColumnDef
}

func (c *ColumnBuilder) PrimaryKey() *ColumnBuilder {
	c.def.PrimaryKey = true
	return c
}

func (c *ColumnBuilder) Indexed() *ColumnBuilder {
	c.def.Indexed = true
	return c
}

func (c *ColumnBuilder) Nullable() *ColumnBuilder {
	c.def.Nullable = true
	return c
}

// Default sets the SQL literal used when a value is omitted.
func (c *ColumnBuilder) Default(value string) *ColumnBuilder {
	c.def.Default = &value
	return c
}

// Done appends the column and returns the table builder.
func (c *ColumnBuilder) Done() *TableBuilder {
	c.table.columns = append(c.table.columns, c.def)
	return c.table
}

// Validate checks every table invariant. The first violated rule is
// returned as a SCHEMA error; conflicts are never dropped silently.
func Validate(def types.TableDef) error {
	if def.Name == "" {
		return eserrors.NewSchemaError(eserrors.CodeEmptyName, "table name is empty")
	}
	if !ValidIdentifier(def.Name) {
		return eserrors.NewSchemaError(eserrors.CodeInvalidColumnName,
			fmt.Sprintf("table name %q is not a valid identifier", def.Name)).
			WithDetails(map[string]interface{}{"table": def.Name})
	}

	seen := make(map[string]bool, len(def.Columns))
	var primary []string
	for _, col := range def.Columns {
		if col.Name == "" {
			return eserrors.NewSchemaError(eserrors.CodeEmptyName,
				fmt.Sprintf("table %s has a column with no name", def.Name))
		}
		if !ValidIdentifier(col.Name) {
			return eserrors.NewSchemaError(eserrors.CodeInvalidColumnName,
				fmt.Sprintf("column %s.%s is not a valid identifier", def.Name, col.Name)).
				WithDetails(map[string]interface{}{"table": def.Name, "column": col.Name})
		}
		if seen[col.Name] {
			return eserrors.NewSchemaError(eserrors.CodeDuplicateColumn,
				fmt.Sprintf("table %s declares column %s more than once", def.Name, col.Name)).
				WithDetails(map[string]interface{}{"table": def.Name, "column": col.Name})
		}
		seen[col.Name] = true

		if !col.Type.Valid() {
			return eserrors.NewSchemaError(eserrors.CodeUnknownColumnType,
				fmt.Sprintf("column %s.%s has unknown type %q", def.Name, col.Name, col.Type)).
				WithDetails(map[string]interface{}{"table": def.Name, "column": col.Name})
		}
		if col.PrimaryKey {
			primary = append(primary, col.Name)
		}
	}

	if len(primary) > 1 {
		return eserrors.NewSchemaError(eserrors.CodeMultiplePrimaryKeys,
			fmt.Sprintf("table %s has %d primary key columns %v; composite keys are not supported", def.Name, len(primary), primary)).
			WithDetails(map[string]interface{}{"table": def.Name, "columns": primary})
	}

	if def.TTL != nil {
		if !seen[def.TTL.Column] {
			return eserrors.NewSchemaError(eserrors.CodeDanglingTTL,
				fmt.Sprintf("table %s: ttl column %q is not declared", def.Name, def.TTL.Column)).
				WithDetails(map[string]interface{}{"table": def.Name, "column": def.TTL.Column})
		}
		if def.TTL.CleanupIntervalMs == 0 {
			return eserrors.NewSchemaError(eserrors.CodeInvalidTTLInterval,
				fmt.Sprintf("table %s: ttl cleanup interval must be > 0", def.Name)).
				WithDetails(map[string]interface{}{"table": def.Name})
		}
	}

	return nil
}

// ValidIdentifier checks if a table or column name is safe to splice into
// SQLite DDL unquoted.
func ValidIdentifier(name string) bool {
	if len(name) == 0 || len(name) > 100 {
		return false
	}
	first := name[0]
	if (first < 'a' || first > 'z') && (first < 'A' || first > 'Z') && first != '_' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}
