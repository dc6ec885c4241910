package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMigrationOp_DecodeTaggedVariants(t *testing.T) {
	input := `{
		"version": 3,
		"description": "orders v3",
		"operations": [
			{"CreateTable": {"name": "orders", "columns": [{"name": "id", "column_type": "Text", "primary_key": true}]}},
			{"AddColumn": {"table": "orders", "name": "total", "column_type": "Real", "default": "0", "nullable": false, "indexed": true}},
			{"CreateIndex": {"table": "orders", "columns": ["total"], "unique": false}},
			{"DropTable": "legacy_orders"},
			{"DropTable": {"table": "older_orders"}}
		]
	}`

	var m Migration
	if err := json.Unmarshal([]byte(input), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Version != 3 || len(m.Operations) != 5 {
		t.Fatalf("got version %d with %d ops", m.Version, len(m.Operations))
	}

	kinds := []string{OpCreateTable, OpAddColumn, OpCreateIndex, OpDropTable, OpDropTable}
	for i, want := range kinds {
		if got := m.Operations[i].Kind(); got != want {
			t.Errorf("op %d: kind %q, want %q", i, got, want)
		}
		if err := m.Operations[i].Validate(); err != nil {
			t.Errorf("op %d: unexpected validation error: %v", i, err)
		}
	}
	if m.Operations[3].DropTable.Table != "legacy_orders" {
		t.Errorf("bare DropTable name not decoded: %+v", m.Operations[3].DropTable)
	}
	if m.Operations[4].Table() != "older_orders" {
		t.Errorf("object DropTable not decoded: %+v", m.Operations[4].DropTable)
	}
	if d := m.Operations[1].AddColumn.Default; d == nil || *d != "0" {
		t.Errorf("AddColumn default not decoded")
	}
}

func TestMigrationOp_EncodeKeyedByTag(t *testing.T) {
	data, err := json.Marshal(DropTable("sessions"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"DropTable":{"table":"sessions"}}` {
		t.Errorf("got %s", data)
	}

	if _, err := json.Marshal(MigrationOp{}); err == nil {
		t.Error("expected error marshalling an empty op")
	}
}

func TestMigrationOp_DecodeRejectsUnknownTag(t *testing.T) {
	var op MigrationOp
	err := json.Unmarshal([]byte(`{"RenameTable": {"from": "a", "to": "b"}}`), &op)
	if err == nil || !strings.Contains(err.Error(), "RenameTable") {
		t.Errorf("expected unknown tag error, got %v", err)
	}

	err = json.Unmarshal([]byte(`{"DropTable": "a", "CreateIndex": {}}`), &op)
	if err == nil {
		t.Error("expected error for two tags")
	}
}

func TestMigrationOp_Validate(t *testing.T) {
	tests := []struct {
		name    string
		op      MigrationOp
		wantErr bool
	}{
		{"empty", MigrationOp{}, true},
		{"two variants", MigrationOp{DropTable: &DropTableOp{Table: "a"}, CreateIndex: &CreateIndexOp{Table: "a", Columns: []string{"x"}}}, true},
		{"add column bad type", AddColumn(AddColumnOp{Table: "a", Name: "b", ColumnType: "uuid"}), true},
		{"add column sqlite spelling", AddColumn(AddColumnOp{Table: "a", Name: "b", ColumnType: "INTEGER"}), false},
		{"index without columns", CreateIndex("a", false), true},
		{"drop without table", DropTable(""), true},
		{"drop", DropTable("a"), false},
	}
	for _, tt := range tests {
		err := tt.op.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err=%v, wantErr=%v", tt.name, err, tt.wantErr)
		}
	}
}
