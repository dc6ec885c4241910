package catalog

import (
	"strings"
	"testing"

	"github.com/polykit/eslite/pkg/types"
)

func strPtr(s string) *string { return &s }

func TestCatalog_ApplySequence(t *testing.T) {
	users := NewTable("users").
		Column("id", types.ColumnText).PrimaryKey().Done().
		Column("name", types.ColumnText).Done().
		MustBuild()

	c0 := New()
	c1, err := c0.Apply(types.CreateTable(users))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c2, err := c1.Apply(types.AddColumn(types.AddColumnOp{Table: "users", Name: "age", ColumnType: "Integer", Nullable: true}))
	if err != nil {
		t.Fatalf("add column: %v", err)
	}
	c3, err := c2.Apply(types.DropTable("users"))
	if err != nil {
		t.Fatalf("drop: %v", err)
	}

	if c0.Len() != 0 {
		t.Error("apply mutated the empty catalog")
	}
	if def, _ := c1.Table("users"); len(def.Columns) != 2 {
		t.Errorf("c1 should still have 2 columns, got %d", len(def.Columns))
	}
	if def, _ := c2.Table("users"); len(def.Columns) != 3 || def.Columns[2].Type != types.ColumnInteger {
		t.Errorf("c2 users: %+v", def)
	}
	if c3.Len() != 0 {
		t.Errorf("c3 should be empty, got %d tables", c3.Len())
	}
}

func TestCatalog_ApplyRejects(t *testing.T) {
	c := New(NewTable("users").Column("id", types.ColumnText).PrimaryKey().Done().MustBuild())

	if _, err := c.Apply(types.AddColumn(types.AddColumnOp{Table: "ghosts", Name: "x", ColumnType: "Text", Nullable: true})); err == nil {
		t.Error("expected error adding a column to a missing table")
	}
	if _, err := c.Apply(types.CreateIndex("users", false, "email")); err == nil {
		t.Error("expected error indexing a missing column")
	}
	if _, err := c.Apply(types.AddColumn(types.AddColumnOp{Table: "users", Name: "id", ColumnType: "Integer", Nullable: true})); err == nil {
		t.Error("expected error re-adding a column with another type")
	}
	other := NewTable("users").Column("uid", types.ColumnInteger).PrimaryKey().Done().MustBuild()
	if _, err := c.Apply(types.CreateTable(other)); err == nil {
		t.Error("expected error recreating a table with a different shape")
	}
}

func TestCreateTableSQL(t *testing.T) {
	def := NewTable("sessions").
		Column("id", types.ColumnText).PrimaryKey().Done().
		Column("active", types.ColumnBoolean).Default("1").Done().
		Column("note", types.ColumnText).Nullable().Default("it's").Done().
		Column("expires_at", types.ColumnInteger).Indexed().Done().
		TTL("expires_at", 1000).
		MustBuild()

	sql := CreateTableSQL(def)
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS sessions (",
		"id TEXT PRIMARY KEY NOT NULL",
		"active INTEGER NOT NULL DEFAULT 1",
		"note TEXT DEFAULT 'it''s'",
		"expires_at INTEGER NOT NULL",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("missing %q in:\n%s", want, sql)
		}
	}

	idx := IndexesSQL(def)
	if len(idx) != 1 {
		t.Fatalf("expected one index (indexed TTL column is shared), got %v", idx)
	}
	if idx[0] != "CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)" {
		t.Errorf("got %q", idx[0])
	}
}

func TestAddColumnSQL(t *testing.T) {
	sql, err := AddColumnSQL(types.AddColumnOp{Table: "users", Name: "score", ColumnType: "REAL", Default: strPtr("0.5")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sql != "ALTER TABLE users ADD COLUMN score REAL NOT NULL DEFAULT 0.5" {
		t.Errorf("got %q", sql)
	}

	if _, err := AddColumnSQL(types.AddColumnOp{Table: "users", Name: "score", ColumnType: "Real"}); err == nil {
		t.Error("NOT NULL without default should be rejected")
	}
}

func TestCreateIndexSQL_Unique(t *testing.T) {
	got := CreateIndexSQL("orders", []string{"tenant", "number"}, true)
	want := "CREATE UNIQUE INDEX IF NOT EXISTS uidx_orders_tenant_number ON orders(tenant, number)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
