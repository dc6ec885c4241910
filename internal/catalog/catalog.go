package catalog

import (
	"fmt"
	"sort"

	"github.com/polykit/eslite/pkg/types"
)

// Catalog is an immutable set of table definitions. Apply returns a new
// Catalog; the receiver is never modified.
type Catalog struct {
	tables map[string]types.TableDef
}

// New builds a catalog from already-validated definitions.
func New(defs ...types.TableDef) Catalog {
	c := Catalog{tables: make(map[string]types.TableDef, len(defs))}
	for _, d := range defs {
		c.tables[d.Name] = d.Clone()
	}
	return c
}

// Table returns a copy of the named definition.
func (c Catalog) Table(name string) (types.TableDef, bool) {
	d, ok := c.tables[name]
	if !ok {
		return types.TableDef{}, false
	}
	return d.Clone(), true
}

// Tables returns all definitions sorted by name.
func (c Catalog) Tables() []types.TableDef {
	out := make([]types.TableDef, 0, len(c.tables))
	for _, d := range c.tables {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of tables.
func (c Catalog) Len() int { return len(c.tables) }

// Apply returns the catalog that results from op. CreateIndex does not
// change table shape and returns an equal catalog.
func (c Catalog) Apply(op types.MigrationOp) (Catalog, error) {
	next := Catalog{tables: make(map[string]types.TableDef, len(c.tables)+1)}
	for k, v := range c.tables {
		next.tables[k] = v
	}

	switch {
	case op.CreateTable != nil:
		if err := Validate(*op.CreateTable); err != nil {
			return c, err
		}
		if existing, ok := c.tables[op.CreateTable.Name]; ok && !sameShape(existing, *op.CreateTable) {
			return c, fmt.Errorf("table %s already exists with a different shape", op.CreateTable.Name)
		}
		next.tables[op.CreateTable.Name] = op.CreateTable.Clone()

	case op.AddColumn != nil:
		ac := op.AddColumn
		def, ok := c.tables[ac.Table]
		if !ok {
			return c, fmt.Errorf("table %s does not exist", ac.Table)
		}
		colType, err := types.ParseColumnType(ac.ColumnType)
		if err != nil {
			return c, err
		}
		if existing, ok := def.Column(ac.Name); ok {
			if existing.Type != colType {
				return c, fmt.Errorf("column %s.%s already exists as %s", ac.Table, ac.Name, existing.Type)
			}
			return next, nil
		}
		def = def.Clone()
		def.Columns = append(def.Columns, types.ColumnDef{
			Name:     ac.Name,
			Type:     colType,
			Indexed:  ac.Indexed,
			Nullable: ac.Nullable,
			Default:  ac.Default,
		})
		if err := Validate(def); err != nil {
			return c, err
		}
		next.tables[ac.Table] = def

	case op.CreateIndex != nil:
		def, ok := c.tables[op.CreateIndex.Table]
		if !ok {
			return c, fmt.Errorf("table %s does not exist", op.CreateIndex.Table)
		}
		for _, col := range op.CreateIndex.Columns {
			if _, ok := def.Column(col); !ok {
				return c, fmt.Errorf("index column %s.%s does not exist", def.Name, col)
			}
		}

	case op.DropTable != nil:
		delete(next.tables, op.DropTable.Table)

	default:
		return c, fmt.Errorf("empty migration op")
	}

	return next, nil
}

// sameShape compares column names and types, ignoring flags that do not
// affect stored data.
func sameShape(a, b types.TableDef) bool {
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i].Name != b.Columns[i].Name ||
			a.Columns[i].Type != b.Columns[i].Type ||
			a.Columns[i].PrimaryKey != b.Columns[i].PrimaryKey {
			return false
		}
	}
	return true
}
