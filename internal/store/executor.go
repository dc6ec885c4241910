package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/polykit/eslite/internal/catalog"
	"github.com/polykit/eslite/pkg/types"
)

// Execute runs one schema operation in its own transaction. Operations are
// idempotent, so a migration that failed part-way can be re-run: existing
// tables, columns and indexes are left alone as long as they match.
// A table belongs to the namespace that created it until that namespace
// drops it; operations from other namespaces fail with ErrForeignTable.
func (s *Store) Execute(ctx context.Context, namespace string, op types.MigrationOp) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if isReserved(op.Table()) {
		return fmt.Errorf("store: table name %q uses the reserved prefix %s", op.Table(), reservedPrefix)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.owners[op.Table()]; ok && owner != namespace {
		return fmt.Errorf("store: %s on %s from namespace %s: %w (owner %s)",
			op.Kind(), op.Table(), namespace, ErrForeignTable, owner)
	}

	next, err := s.cat.Apply(op)
	if err != nil {
		return fmt.Errorf("store: %s on %s rejected: %w", op.Kind(), op.Table(), err)
	}

	stmts, err := s.ddlFor(op)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: %s on %s failed: %w", op.Kind(), op.Table(), err)
		}
	}

	if def, ok := next.Table(op.Table()); ok {
		if err := upsertTableDef(ctx, tx, namespace, def); err != nil {
			return err
		}
	} else if _, err := tx.ExecContext(ctx, "DELETE FROM eslite_tables WHERE name = ?", op.Table()); err != nil {
		return fmt.Errorf("store: failed to untrack %s: %w", op.Table(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit %s on %s: %w", op.Kind(), op.Table(), err)
	}
	s.cat = next
	if _, ok := next.Table(op.Table()); ok {
		s.owners[op.Table()] = namespace
	} else {
		delete(s.owners, op.Table())
	}
	return nil
}

// ddlFor returns the statements for op given the current catalog. Called
// with s.mu held.
func (s *Store) ddlFor(op types.MigrationOp) ([]string, error) {
	switch {
	case op.CreateTable != nil:
		def := *op.CreateTable
		return append([]string{catalog.CreateTableSQL(def)}, catalog.IndexesSQL(def)...), nil

	case op.AddColumn != nil:
		ac := *op.AddColumn
		if def, ok := s.cat.Table(ac.Table); ok {
			if _, exists := def.Column(ac.Name); exists {
				return nil, nil
			}
		}
		stmt, err := catalog.AddColumnSQL(ac)
		if err != nil {
			return nil, err
		}
		stmts := []string{stmt}
		if ac.Indexed {
			stmts = append(stmts, catalog.CreateIndexSQL(ac.Table, []string{ac.Name}, false))
		}
		return stmts, nil

	case op.CreateIndex != nil:
		ci := *op.CreateIndex
		return []string{catalog.CreateIndexSQL(ci.Table, ci.Columns, ci.Unique)}, nil

	case op.DropTable != nil:
		return []string{catalog.DropTableSQL(op.DropTable.Table)}, nil
	}
	return nil, fmt.Errorf("store: empty migration op")
}

func upsertTableDef(ctx context.Context, tx *sql.Tx, namespace string, def types.TableDef) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("store: failed to marshal definition of %s: %w", def.Name, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO eslite_tables (name, namespace, def_json, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET def_json = excluded.def_json, updated_at = excluded.updated_at`,
		def.Name, namespace, string(raw), nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("store: failed to track %s: %w", def.Name, err)
	}
	return nil
}
