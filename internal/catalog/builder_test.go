package catalog

import (
	"errors"
	"testing"

	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/pkg/types"
)

func sessionsBuilder(ttlColumn string) *TableBuilder {
	return NewTable("sessions").
		Column("id", types.ColumnText).PrimaryKey().Done().
		Column("user_id", types.ColumnText).Indexed().Done().
		Column("expires_at", types.ColumnInteger).Done().
		TTL(ttlColumn, 60000)
}

func TestBuild_TTLColumnMustExist(t *testing.T) {
	_, err := sessionsBuilder("expiry").Build()
	if err == nil {
		t.Fatal("expected error for dangling TTL column")
	}
	if eserrors.GetCategory(err) != eserrors.ErrCategorySchema || eserrors.GetCode(err) != eserrors.CodeDanglingTTL {
		t.Errorf("got %v, want SCHEMA:DANGLING_TTL", err)
	}

	def, err := sessionsBuilder("expires_at").Build()
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if def.TTL == nil || def.TTL.Column != "expires_at" || def.TTL.CleanupInterval().Seconds() != 60 {
		t.Errorf("unexpected ttl: %+v", def.TTL)
	}
	if len(def.Columns) != 3 {
		t.Errorf("expected 3 columns, got %d", len(def.Columns))
	}
}

func TestBuild_RuleViolations(t *testing.T) {
	tests := []struct {
		name    string
		builder *TableBuilder
		code    string
	}{
		{
			"duplicate column",
			NewTable("t").Column("a", types.ColumnText).Done().Column("a", types.ColumnInteger).Done(),
			eserrors.CodeDuplicateColumn,
		},
		{
			"two primary keys",
			NewTable("t").Column("a", types.ColumnText).PrimaryKey().Done().Column("b", types.ColumnText).PrimaryKey().Done(),
			eserrors.CodeMultiplePrimaryKeys,
		},
		{
			"zero ttl interval",
			NewTable("t").Column("exp", types.ColumnInteger).Done().TTL("exp", 0),
			eserrors.CodeInvalidTTLInterval,
		},
		{
			"empty table name",
			NewTable("").Column("a", types.ColumnText).Done(),
			eserrors.CodeEmptyName,
		},
		{
			"bad column name",
			NewTable("t").Column("a-b", types.ColumnText).Done(),
			eserrors.CodeInvalidColumnName,
		},
		{
			"unknown type",
			NewTable("t").Column("a", types.ColumnType("Uuid")).Done(),
			eserrors.CodeUnknownColumnType,
		},
	}

	for _, tt := range tests {
		_, err := tt.builder.Build()
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if got := eserrors.GetCode(err); got != tt.code {
			t.Errorf("%s: code %q, want %q (%v)", tt.name, got, tt.code, err)
		}
	}
}

func TestBuild_ReturnsIndependentCopy(t *testing.T) {
	b := NewTable("t").Column("a", types.ColumnText).Default("x").Done()
	first, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	b.Column("b", types.ColumnText).Done()
	*first.Columns[0].Default = "changed"

	second, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(first.Columns) != 1 {
		t.Errorf("first def grew to %d columns", len(first.Columns))
	}
	if *second.Columns[0].Default != "x" {
		t.Errorf("mutating a built def leaked into the builder: %q", *second.Columns[0].Default)
	}
}

func TestValidate_SchemaErrorIsTyped(t *testing.T) {
	err := Validate(types.TableDef{Name: "t", Columns: []types.ColumnDef{{Name: "a", Type: types.ColumnText}}, TTL: &types.TtlConfig{Column: "b", CleanupIntervalMs: 1}})
	var se *eserrors.Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *errors.Error, got %T", err)
	}
	if se.Details["column"] != "b" {
		t.Errorf("details should name the dangling column, got %v", se.Details)
	}
}

func TestValidIdentifier(t *testing.T) {
	valid := []string{"users", "_tmp", "Orders2", "a_b_c"}
	invalid := []string{"", "2fast", "drop table", "a;b", "naïve"}
	for _, s := range valid {
		if !ValidIdentifier(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range invalid {
		if ValidIdentifier(s) {
			t.Errorf("%q should be invalid", s)
		}
	}
}
