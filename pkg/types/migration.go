package types

import (
	"encoding/json"
	"fmt"
)

// Migration is one forward-only step in a namespace's schema history.
type Migration struct {
	// Version increases monotonically per namespace, starting at 1
	Version uint32 `json:"version"`

	Description string        `json:"description"`
	Operations  []MigrationOp `json:"operations"`
}

// Operation kinds, used as the JSON tag of a MigrationOp.
const (
	OpCreateTable = "CreateTable"
	OpAddColumn   = "AddColumn"
	OpCreateIndex = "CreateIndex"
	OpDropTable   = "DropTable"
)

// MigrationOp is a closed union: exactly one field is set.
type MigrationOp struct {
	CreateTable *TableDef
	AddColumn   *AddColumnOp
	CreateIndex *CreateIndexOp
	DropTable   *DropTableOp
}

// AddColumnOp adds a column to an existing table.
type AddColumnOp struct {
	Table      string  `json:"table"`
	Name       string  `json:"name"`
	ColumnType string  `json:"column_type"`
	Default    *string `json:"default"`
	Nullable   bool    `json:"nullable"`
	Indexed    bool    `json:"indexed"`
}

// CreateIndexOp creates an index over one or more columns.
type CreateIndexOp struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// DropTableOp drops a table.
type DropTableOp struct {
	Table string `json:"table"`
}

// CreateTable wraps a table definition as an operation.
func CreateTable(def TableDef) MigrationOp { return MigrationOp{CreateTable: &def} }

// AddColumn wraps an AddColumnOp.
func AddColumn(op AddColumnOp) MigrationOp { return MigrationOp{AddColumn: &op} }

// CreateIndex wraps a CreateIndexOp.
func CreateIndex(table string, unique bool, columns ...string) MigrationOp {
	return MigrationOp{CreateIndex: &CreateIndexOp{Table: table, Columns: columns, Unique: unique}}
}

// DropTable wraps a DropTableOp.
func DropTable(table string) MigrationOp { return MigrationOp{DropTable: &DropTableOp{Table: table}} }

// Kind returns the variant tag, or "" if no variant is set.
func (op MigrationOp) Kind() string {
	switch {
	case op.CreateTable != nil:
		return OpCreateTable
	case op.AddColumn != nil:
		return OpAddColumn
	case op.CreateIndex != nil:
		return OpCreateIndex
	case op.DropTable != nil:
		return OpDropTable
	}
	return ""
}

// Table returns the table the operation targets.
func (op MigrationOp) Table() string {
	switch {
	case op.CreateTable != nil:
		return op.CreateTable.Name
	case op.AddColumn != nil:
		return op.AddColumn.Table
	case op.CreateIndex != nil:
		return op.CreateIndex.Table
	case op.DropTable != nil:
		return op.DropTable.Table
	}
	return ""
}

// Validate checks that exactly one variant is set and that its required
// fields are present. Table definitions are validated by the catalog.
func (op MigrationOp) Validate() error {
	set := 0
	for _, ok := range []bool{op.CreateTable != nil, op.AddColumn != nil, op.CreateIndex != nil, op.DropTable != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("migration op must have exactly one variant, got %d", set)
	}

	switch {
	case op.AddColumn != nil:
		if op.AddColumn.Table == "" || op.AddColumn.Name == "" {
			return fmt.Errorf("AddColumn requires table and name")
		}
		if _, err := ParseColumnType(op.AddColumn.ColumnType); err != nil {
			return fmt.Errorf("AddColumn %s.%s: %w", op.AddColumn.Table, op.AddColumn.Name, err)
		}
	case op.CreateIndex != nil:
		if op.CreateIndex.Table == "" || len(op.CreateIndex.Columns) == 0 {
			return fmt.Errorf("CreateIndex requires table and at least one column")
		}
	case op.DropTable != nil:
		if op.DropTable.Table == "" {
			return fmt.Errorf("DropTable requires table")
		}
	}
	return nil
}

// MarshalJSON encodes the operation keyed by its variant tag.
func (op MigrationOp) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch {
	case op.CreateTable != nil:
		payload = op.CreateTable
	case op.AddColumn != nil:
		payload = op.AddColumn
	case op.CreateIndex != nil:
		payload = op.CreateIndex
	case op.DropTable != nil:
		payload = op.DropTable
	default:
		return nil, fmt.Errorf("cannot marshal empty migration op")
	}
	return json.Marshal(map[string]interface{}{op.Kind(): payload})
}

// UnmarshalJSON decodes {"<Tag>": {...}}. DropTable also accepts a bare
// table name string.
func (op *MigrationOp) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("migration op: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("migration op must have exactly one tag, got %d", len(raw))
	}

	*op = MigrationOp{}
	for tag, body := range raw {
		switch tag {
		case OpCreateTable:
			var def TableDef
			if err := json.Unmarshal(body, &def); err != nil {
				return fmt.Errorf("CreateTable: %w", err)
			}
			op.CreateTable = &def
		case OpAddColumn:
			var ac AddColumnOp
			if err := json.Unmarshal(body, &ac); err != nil {
				return fmt.Errorf("AddColumn: %w", err)
			}
			op.AddColumn = &ac
		case OpCreateIndex:
			var ci CreateIndexOp
			if err := json.Unmarshal(body, &ci); err != nil {
				return fmt.Errorf("CreateIndex: %w", err)
			}
			op.CreateIndex = &ci
		case OpDropTable:
			var name string
			if err := json.Unmarshal(body, &name); err == nil {
				op.DropTable = &DropTableOp{Table: name}
				continue
			}
			var dt DropTableOp
			if err := json.Unmarshal(body, &dt); err != nil {
				return fmt.Errorf("DropTable: %w", err)
			}
			op.DropTable = &dt
		default:
			return fmt.Errorf("unknown migration op %q", tag)
		}
	}
	return nil
}
