package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/polykit/eslite/pkg/types"
)

// CreateTableSQL renders the CREATE TABLE statement for def. Indexes are
// rendered separately by IndexesSQL.
func CreateTableSQL(def types.TableDef) string {
	cols := make([]string, len(def.Columns))
	for i, c := range def.Columns {
		cols[i] = "    " + columnSQL(c.Name, c.Type, c.PrimaryKey, c.Nullable, c.Default)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", def.Name, strings.Join(cols, ",\n"))
}

// IndexesSQL returns one CREATE INDEX per indexed column plus one for the
// TTL column, so expiry sweeps do not scan the table.
func IndexesSQL(def types.TableDef) []string {
	var stmts []string
	indexed := make(map[string]bool)
	for _, c := range def.Columns {
		if c.Indexed && !c.PrimaryKey {
			stmts = append(stmts, CreateIndexSQL(def.Name, []string{c.Name}, false))
			indexed[c.Name] = true
		}
	}
	if def.TTL != nil && !indexed[def.TTL.Column] {
		stmts = append(stmts, CreateIndexSQL(def.Name, []string{def.TTL.Column}, false))
	}
	return stmts
}

// IndexName derives a deterministic index name from its table and columns.
func IndexName(table string, columns []string, unique bool) string {
	prefix := "idx"
	if unique {
		prefix = "uidx"
	}
	return fmt.Sprintf("%s_%s_%s", prefix, table, strings.Join(columns, "_"))
}

// CreateIndexSQL renders an idempotent CREATE INDEX statement.
func CreateIndexSQL(table string, columns []string, unique bool) string {
	kw := "INDEX"
	if unique {
		kw = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s(%s)",
		kw, IndexName(table, columns, unique), table, strings.Join(columns, ", "))
}

// AddColumnSQL renders ALTER TABLE ... ADD COLUMN. SQLite can only add a
// NOT NULL column when it has a default for the existing rows.
func AddColumnSQL(op types.AddColumnOp) (string, error) {
	if !ValidIdentifier(op.Table) || !ValidIdentifier(op.Name) {
		return "", fmt.Errorf("invalid identifier %s.%s", op.Table, op.Name)
	}
	colType, err := types.ParseColumnType(op.ColumnType)
	if err != nil {
		return "", err
	}
	if !op.Nullable && op.Default == nil {
		return "", fmt.Errorf("column %s.%s is NOT NULL and has no default", op.Table, op.Name)
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
		op.Table, columnSQL(op.Name, colType, false, op.Nullable, op.Default)), nil
}

// DropTableSQL renders an idempotent DROP TABLE.
func DropTableSQL(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", table)
}

func columnSQL(name string, colType types.ColumnType, primaryKey, nullable bool, def *string) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteString(" ")
	sb.WriteString(colType.SQLiteType())
	if primaryKey {
		sb.WriteString(" PRIMARY KEY")
	}
	if !nullable || primaryKey {
		sb.WriteString(" NOT NULL")
	}
	if def != nil {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(literal(*def))
	}
	return sb.String()
}

// literal renders a default value. Numbers and a few keywords pass through,
// everything else becomes a quoted string.
func literal(v string) string {
	switch strings.ToUpper(v) {
	case "NULL", "TRUE", "FALSE", "CURRENT_TIMESTAMP", "CURRENT_DATE", "CURRENT_TIME":
		return strings.ToUpper(v)
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
