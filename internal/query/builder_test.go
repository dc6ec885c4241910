package query

import (
	"reflect"
	"testing"

	eserrors "github.com/polykit/eslite/internal/errors"
)

func TestQuery_SQL(t *testing.T) {
	tests := []struct {
		name string
		q    *Query
		sql  string
		args []interface{}
	}{
		{
			"select all",
			From("users"),
			"SELECT * FROM users",
			nil,
		},
		{
			"full builder",
			From("users").Select("id", "name").WhereGt("age", 30).WhereLike("name", "a%").OrderBy("name", Desc).Limit(10).Offset(5),
			"SELECT id, name FROM users WHERE age > ? AND name LIKE ? ORDER BY name DESC LIMIT 10 OFFSET 5",
			[]interface{}{30, "a%"},
		},
		{
			"in and null checks",
			From("orders").WhereIn("status", "open", "held").WhereIsNull("closed_at").WhereIsNotNull("owner").WhereLt("total", 9.5),
			"SELECT * FROM orders WHERE status IN (?, ?) AND closed_at IS NULL AND owner IS NOT NULL AND total < ?",
			[]interface{}{"open", "held", 9.5},
		},
		{
			"eq nil becomes is null",
			From("t").WhereEq("a", nil).WhereEq("b", 1),
			"SELECT * FROM t WHERE a IS NULL AND b = ?",
			[]interface{}{1},
		},
		{
			"empty in matches nothing",
			From("t").WhereIn("a"),
			"SELECT * FROM t WHERE 0",
			nil,
		},
		{
			"offset without limit",
			From("t").Offset(3),
			"SELECT * FROM t LIMIT -1 OFFSET 3",
			nil,
		},
	}

	for _, tt := range tests {
		sql, args, err := tt.q.SQL()
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
			continue
		}
		if sql != tt.sql {
			t.Errorf("%s:\n got %q\nwant %q", tt.name, sql, tt.sql)
		}
		if !reflect.DeepEqual(args, tt.args) {
			t.Errorf("%s: args %v, want %v", tt.name, args, tt.args)
		}
	}
}

func TestQuery_SQLRejectsBadInput(t *testing.T) {
	bad := []*Query{
		From("users; DROP TABLE users"),
		From("users").Select("id, name"),
		From("users").WhereEq("1=1 OR a", 1),
		From("users").OrderBy("name", Order("sideways")),
		From("users").Limit(-1),
		{Table: "users", Where: []Condition{{Op: OpLike, Column: "name", Value: 5}}},
		{Table: "users", Where: []Condition{{Op: "between", Column: "a"}}},
	}
	for _, q := range bad {
		if _, _, err := q.SQL(); eserrors.GetCode(err) != eserrors.CodeInvalidQuery {
			t.Errorf("%+v: got %v, want INVALID_QUERY", q, err)
		}
	}
}

func TestDecodeFilter(t *testing.T) {
	q, err := DecodeFilter([]byte(`{
		"table": "users",
		"select": ["id"],
		"where": [{"op": "in", "column": "id", "values": ["a", "b"]}, {"op": "is_null", "column": "deleted_at"}],
		"order_by": {"column": "id", "order": "desc"},
		"limit": 2
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sql, args, err := q.SQL()
	if err != nil {
		t.Fatalf("sql: %v", err)
	}
	want := "SELECT id FROM users WHERE id IN (?, ?) AND deleted_at IS NULL ORDER BY id DESC LIMIT 2"
	if sql != want || len(args) != 2 {
		t.Errorf("got %q %v", sql, args)
	}

	if _, err := DecodeFilter([]byte(`{"select": ["id"]}`)); eserrors.GetCode(err) != eserrors.CodeInvalidQuery {
		t.Errorf("missing table: %v", err)
	}
	if _, err := DecodeFilter([]byte(`not json`)); eserrors.GetCode(err) != eserrors.CodeInvalidQuery {
		t.Errorf("bad json: %v", err)
	}
}
