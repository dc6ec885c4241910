package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/polykit/eslite/internal/codec"
	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/pkg/types"
)

// ReplaceSnapshot deletes every row of table and inserts the snapshot rows,
// all in one transaction.
func (s *Store) ReplaceSnapshot(ctx context.Context, table string, data []byte, sequence uint64) error {
	def, ok := s.Table(table)
	if !ok {
		return undefinedTable(table)
	}
	rows, err := codec.DecodeSnapshot(data)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("store: failed to clear %s: %w", table, err)
	}
	for i, row := range rows {
		query, args, err := upsertSQL(def, row, "INSERT OR REPLACE")
		if err != nil {
			return fmt.Errorf("store: snapshot row %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("store: snapshot row %d into %s: %w", i, table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit snapshot of %s at %d: %w", table, sequence, err)
	}
	return nil
}

// undefinedTable reports a table no migration has created yet.
func undefinedTable(table string) error {
	return eserrors.NewSyncError(eserrors.CodeSchemaNotReady,
		fmt.Sprintf("table %s is not defined by any migration", table)).
		WithDetails(map[string]interface{}{"table": table})
}

// ApplyDelta applies one Insert, Update or Delete in its own transaction.
// Key is the primary-key value; it fills the key column when the payload
// omits it. Insert upserts the full row; Update only touches the columns it
// carries and inserts the row if it does not exist yet.
func (s *Store) ApplyDelta(ctx context.Context, delta types.Delta) error {
	def, ok := s.Table(delta.Table)
	if !ok {
		return undefinedTable(delta.Table)
	}
	pk, hasPK := def.PrimaryKey()
	if !hasPK && delta.Operation != types.DeltaInsert {
		return fmt.Errorf("store: %s on %s needs a primary key", delta.Operation, def.Name)
	}

	var key interface{}
	if hasPK {
		var err error
		if key, err = keyValue(pk, delta.Key); err != nil {
			return err
		}
	}

	var row types.Row
	if delta.Operation != types.DeltaDelete {
		var err error
		if row, err = codec.DecodeRow(delta.Data); err != nil {
			return err
		}
		if hasPK {
			if v, ok := row[pk.Name]; !ok || v == nil {
				row[pk.Name] = key
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin delta: %w", err)
	}
	defer tx.Rollback()

	switch delta.Operation {
	case types.DeltaInsert:
		query, args, err := upsertSQL(def, row, "INSERT")
		if err != nil {
			return err
		}
		if hasPK {
			query += upsertConflictClause(pk.Name, row)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("store: delta %d on %s: %w", delta.Sequence, delta.Table, err)
		}

	case types.DeltaUpdate:
		query, args, err := updateSQL(def, pk.Name, row, key)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("store: delta %d on %s: %w", delta.Sequence, delta.Table, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			query, args, err := upsertSQL(def, row, "INSERT")
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("store: delta %d on %s: %w", delta.Sequence, delta.Table, err)
			}
		}

	case types.DeltaDelete:
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", def.Name, pk.Name)
		if _, err := tx.ExecContext(ctx, query, key); err != nil {
			return fmt.Errorf("store: delta %d on %s: %w", delta.Sequence, delta.Table, err)
		}

	default:
		return fmt.Errorf("store: unknown delta operation %q", delta.Operation)
	}
	return tx.Commit()
}

// updateSQL sets the non-key columns of row on the row identified by key.
// A row carrying only its key degenerates to a no-op assignment of the key.
func updateSQL(def types.TableDef, pk string, row types.Row, key interface{}) (string, []interface{}, error) {
	cols := make([]string, 0, len(row))
	for name := range row {
		if _, ok := def.Column(name); !ok {
			return "", nil, fmt.Errorf("unknown column %s.%s", def.Name, name)
		}
		if name != pk {
			cols = append(cols, name)
		}
	}
	if len(cols) == 0 {
		cols = append(cols, pk)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, row[c])
	}
	args = append(args, key)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", def.Name, strings.Join(sets, ", "), pk), args, nil
}

// upsertSQL builds "<verb> INTO table (cols) VALUES (?...)" with columns in
// sorted order. Columns unknown to the definition are rejected.
func upsertSQL(def types.TableDef, row types.Row, verb string) (string, []interface{}, error) {
	if len(row) == 0 {
		return "", nil, fmt.Errorf("empty row for %s", def.Name)
	}
	cols := make([]string, 0, len(row))
	for name := range row {
		if _, ok := def.Column(name); !ok {
			return "", nil, fmt.Errorf("unknown column %s.%s", def.Name, name)
		}
		cols = append(cols, name)
	}
	sort.Strings(cols)

	args := make([]interface{}, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, def.Name, strings.Join(cols, ", "), placeholders), args, nil
}

// upsertConflictClause updates the provided non-key columns of an existing
// row, so an Update only touches the columns it carries.
func upsertConflictClause(pk string, row types.Row) string {
	var sets []string
	for name := range row {
		if name != pk {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", name, name))
		}
	}
	if len(sets) == 0 {
		return fmt.Sprintf(" ON CONFLICT(%s) DO NOTHING", pk)
	}
	sort.Strings(sets)
	return fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", pk, strings.Join(sets, ", "))
}

// keyValue converts delta key bytes to the primary-key column's type.
func keyValue(pk types.ColumnDef, key []byte) (interface{}, error) {
	switch pk.Type {
	case types.ColumnInteger:
		v, err := strconv.ParseInt(string(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("key %q is not an integer: %w", key, err)
		}
		return v, nil
	case types.ColumnReal:
		v, err := strconv.ParseFloat(string(key), 64)
		if err != nil {
			return nil, fmt.Errorf("key %q is not a number: %w", key, err)
		}
		return v, nil
	case types.ColumnBoolean:
		v, err := strconv.ParseBool(string(key))
		if err != nil {
			return nil, fmt.Errorf("key %q is not a boolean: %w", key, err)
		}
		return v, nil
	case types.ColumnBlob:
		return key, nil
	default:
		return string(key), nil
	}
}
