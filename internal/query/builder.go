// Package query builds and runs read-only queries against materialized
// tables. Queries are refused for tables whose sync state is not trusted.
package query

import (
	"fmt"
	"strings"

	"github.com/polykit/eslite/internal/catalog"
	eserrors "github.com/polykit/eslite/internal/errors"
)

// Order is a sort direction.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// Op is a where-clause operator.
type Op string

const (
	OpEq        Op = "eq"
	OpLt        Op = "lt"
	OpGt        Op = "gt"
	OpLike      Op = "like"
	OpIn        Op = "in"
	OpIsNull    Op = "is_null"
	OpIsNotNull Op = "is_not_null"
)

// Condition is one where clause. Conditions are ANDed.
type Condition struct {
	Op     Op            `json:"op"`
	Column string        `json:"column"`
	Value  interface{}   `json:"value,omitempty"`
	Values []interface{} `json:"values,omitempty"`
}

// OrderBy is the optional sort of a query.
type OrderBy struct {
	Column string `json:"column"`
	Order  Order  `json:"order"`
}

// Query is a single-table select. Build one with From.
type Query struct {
	Table   string      `json:"table"`
	Columns []string    `json:"select,omitempty"`
	Where   []Condition `json:"where,omitempty"`
	Sort    *OrderBy    `json:"order_by,omitempty"`
	Max     *int        `json:"limit,omitempty"`
	Skip    *int        `json:"offset,omitempty"`
}

// From starts a query selecting every column of table.
func From(table string) *Query {
	return &Query{Table: table}
}

// Select restricts the returned columns.
func (q *Query) Select(columns ...string) *Query {
	q.Columns = append([]string(nil), columns...)
	return q
}

func (q *Query) WhereEq(column string, value interface{}) *Query {
	return q.where(Condition{Op: OpEq, Column: column, Value: value})
}

func (q *Query) WhereLt(column string, value interface{}) *Query {
	return q.where(Condition{Op: OpLt, Column: column, Value: value})
}

func (q *Query) WhereGt(column string, value interface{}) *Query {
	return q.where(Condition{Op: OpGt, Column: column, Value: value})
}

func (q *Query) WhereLike(column, pattern string) *Query {
	return q.where(Condition{Op: OpLike, Column: column, Value: pattern})
}

func (q *Query) WhereIn(column string, values ...interface{}) *Query {
	return q.where(Condition{Op: OpIn, Column: column, Values: values})
}

func (q *Query) WhereIsNull(column string) *Query {
	return q.where(Condition{Op: OpIsNull, Column: column})
}

func (q *Query) WhereIsNotNull(column string) *Query {
	return q.where(Condition{Op: OpIsNotNull, Column: column})
}

func (q *Query) where(c Condition) *Query {
	q.Where = append(q.Where, c)
	return q
}

// OrderBy sets the sort column and direction.
func (q *Query) OrderBy(column string, order Order) *Query {
	q.Sort = &OrderBy{Column: column, Order: order}
	return q
}

func (q *Query) Limit(n int) *Query {
	q.Max = &n
	return q
}

func (q *Query) Offset(n int) *Query {
	q.Skip = &n
	return q
}

// SQL renders the query with positional parameters. Identifiers are
// validated rather than quoted.
func (q *Query) SQL() (string, []interface{}, error) {
	if !catalog.ValidIdentifier(q.Table) {
		return "", nil, invalid("invalid table name %q", q.Table)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if len(q.Columns) == 0 {
		b.WriteString("*")
	} else {
		for i, c := range q.Columns {
			if !catalog.ValidIdentifier(c) {
				return "", nil, invalid("invalid column name %q", c)
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c)
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(q.Table)

	var args []interface{}
	for i, c := range q.Where {
		if !catalog.ValidIdentifier(c.Column) {
			return "", nil, invalid("invalid column name %q", c.Column)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		switch c.Op {
		case OpEq:
			if c.Value == nil {
				fmt.Fprintf(&b, "%s IS NULL", c.Column)
				continue
			}
			fmt.Fprintf(&b, "%s = ?", c.Column)
			args = append(args, c.Value)
		case OpLt:
			fmt.Fprintf(&b, "%s < ?", c.Column)
			args = append(args, c.Value)
		case OpGt:
			fmt.Fprintf(&b, "%s > ?", c.Column)
			args = append(args, c.Value)
		case OpLike:
			s, ok := c.Value.(string)
			if !ok {
				return "", nil, invalid("like on %s needs a string pattern", c.Column)
			}
			fmt.Fprintf(&b, "%s LIKE ?", c.Column)
			args = append(args, s)
		case OpIn:
			if len(c.Values) == 0 {
				// IN () matches nothing
				b.WriteString("0")
				continue
			}
			fmt.Fprintf(&b, "%s IN (%s)", c.Column, strings.TrimSuffix(strings.Repeat("?, ", len(c.Values)), ", "))
			args = append(args, c.Values...)
		case OpIsNull:
			fmt.Fprintf(&b, "%s IS NULL", c.Column)
		case OpIsNotNull:
			fmt.Fprintf(&b, "%s IS NOT NULL", c.Column)
		default:
			return "", nil, invalid("unknown operator %q", c.Op)
		}
	}

	if q.Sort != nil {
		if !catalog.ValidIdentifier(q.Sort.Column) {
			return "", nil, invalid("invalid order column %q", q.Sort.Column)
		}
		dir := "ASC"
		switch strings.ToLower(string(q.Sort.Order)) {
		case "", string(Asc):
		case string(Desc):
			dir = "DESC"
		default:
			return "", nil, invalid("unknown order %q", q.Sort.Order)
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", q.Sort.Column, dir)
	}

	if q.Max != nil || q.Skip != nil {
		limit := -1
		if q.Max != nil {
			if *q.Max < 0 {
				return "", nil, invalid("negative limit %d", *q.Max)
			}
			limit = *q.Max
		}
		fmt.Fprintf(&b, " LIMIT %d", limit)
		if q.Skip != nil {
			if *q.Skip < 0 {
				return "", nil, invalid("negative offset %d", *q.Skip)
			}
			fmt.Fprintf(&b, " OFFSET %d", *q.Skip)
		}
	}

	return b.String(), args, nil
}

func invalid(format string, args ...interface{}) error {
	return eserrors.NewQueryError(eserrors.CodeInvalidQuery, fmt.Sprintf(format, args...))
}
