package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/pkg/types"
)

// StateReader exposes the sync state of a table.
type StateReader interface {
	State(table string) types.SyncState
}

// Engine runs queries against the store's connection.
type Engine struct {
	db             *sql.DB
	states         StateReader
	requireTrusted bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRequireTrusted controls whether queries against Unsynced or Error
// tables are refused. It is on by default.
func WithRequireTrusted(on bool) Option {
	return func(e *Engine) { e.requireTrusted = on }
}

// NewEngine creates an engine. states may be nil, which disables the trust
// check.
func NewEngine(db *sql.DB, states StateReader, opts ...Option) *Engine {
	e := &Engine{db: db, states: states, requireTrusted: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs q. Only committed snapshots and deltas are visible.
func (e *Engine) Execute(ctx context.Context, q *Query) (*types.QueryResult, error) {
	if q == nil {
		return nil, invalid("query is nil")
	}
	if e.requireTrusted && e.states != nil {
		if st := e.states.State(q.Table); !st.Trusted() {
			return nil, eserrors.NewQueryError(eserrors.CodeTableNotReady,
				fmt.Sprintf("table %s is %s", q.Table, st)).
				WithDetails(map[string]interface{}{"table": q.Table, "state": st.String()})
		}
	}

	stmt, args, err := q.SQL()
	if err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, eserrors.Wrap(eserrors.ErrCategoryQuery, eserrors.CodeExecutionFailed,
			fmt.Sprintf("query on %s failed", q.Table), err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, eserrors.Wrap(eserrors.ErrCategoryQuery, eserrors.CodeExecutionFailed, "failed to read columns", err)
	}

	result := &types.QueryResult{Columns: columns, Rows: [][]interface{}{}}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eserrors.Wrap(eserrors.ErrCategoryQuery, eserrors.CodeExecutionFailed, "failed to scan row", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok && utf8.Valid(b) {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, eserrors.Wrap(eserrors.ErrCategoryQuery, eserrors.CodeExecutionFailed, "row iteration failed", err)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// DecodeFilter parses the JSON form of a query:
//
//	{"table": "users", "select": ["id"], "where": [{"op": "gt", "column": "age", "value": 30}],
//	 "order_by": {"column": "id", "order": "desc"}, "limit": 10, "offset": 0}
func DecodeFilter(data []byte) (*Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, eserrors.Wrap(eserrors.ErrCategoryQuery, eserrors.CodeInvalidQuery, "invalid query JSON", err)
	}
	if q.Table == "" {
		return nil, invalid("query has no table")
	}
	return &q, nil
}
