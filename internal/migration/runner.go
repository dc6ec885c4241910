// Package migration applies forward-only, per-namespace schema migrations
// and tracks the highest applied version of each namespace.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/polykit/eslite/internal/catalog"
	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/pkg/types"
)

// Executor performs a single schema operation against the underlying store.
type Executor interface {
	Execute(ctx context.Context, namespace string, op types.MigrationOp) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, namespace string, op types.MigrationOp) error

func (f ExecutorFunc) Execute(ctx context.Context, namespace string, op types.MigrationOp) error {
	return f(ctx, namespace, op)
}

// Ledger persists the namespace→version cache. It is not the system of
// record; a lost ledger is rebuilt by replaying migrations.
type Ledger interface {
	LoadVersions(ctx context.Context) (map[string]uint32, error)
	RecordVersion(ctx context.Context, namespace string, m types.Migration) error
}

// Runner applies migrations. Calls for the same namespace must be
// serialized by the caller.
type Runner struct {
	exec     Executor
	ledger   Ledger
	logf     func(format string, args ...interface{})
	versions map[string]uint32
}

// Option configures a Runner.
type Option func(*Runner)

// WithLedger persists each applied version.
func WithLedger(l Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

// WithLogger replaces log.Printf.
func WithLogger(logf func(format string, args ...interface{})) Option {
	return func(r *Runner) { r.logf = logf }
}

// NewRunner creates a runner that executes operations with exec.
func NewRunner(exec Executor, opts ...Option) *Runner {
	r := &Runner{
		exec:     exec,
		logf:     log.Printf,
		versions: make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore loads the version map from the ledger, replacing what the runner
// currently tracks.
func (r *Runner) Restore(ctx context.Context) error {
	if r.ledger == nil {
		return nil
	}
	versions, err := r.ledger.LoadVersions(ctx)
	if err != nil {
		return fmt.Errorf("migration: failed to load versions: %w", err)
	}
	r.versions = make(map[string]uint32, len(versions))
	for ns, v := range versions {
		r.versions[ns] = v
	}
	return nil
}

// CurrentVersion returns the applied version of namespace, 0 if none.
func (r *Runner) CurrentVersion(namespace string) uint32 {
	return r.versions[namespace]
}

// Namespaces returns the tracked namespaces in sorted order.
func (r *Runner) Namespaces() []string {
	out := make([]string, 0, len(r.versions))
	for ns := range r.versions {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Migrate applies every migration whose version is above the namespace's
// current version, in list order, and returns how many were applied.
//
// The list must be strictly ascending by version; otherwise nothing is
// applied. The recorded version only advances after all operations of a
// migration succeed. On failure the error is returned and the version stays
// at the last fully applied migration.
func (r *Runner) Migrate(ctx context.Context, namespace string, migrations []types.Migration) (int, error) {
	if namespace == "" {
		return 0, eserrors.NewMigrationError(eserrors.CodeInvalidOperation, "namespace is empty", nil)
	}
	if err := CheckOrder(migrations); err != nil {
		return 0, err
	}

	current := r.versions[namespace]
	pending := Plan(current, migrations)
	for _, m := range pending {
		if err := validateOps(namespace, m); err != nil {
			return 0, err
		}
	}

	applied := 0
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return applied, eserrors.NewMigrationError(eserrors.CodeOperationFailed,
				fmt.Sprintf("namespace %s: cancelled before version %d", namespace, m.Version), err)
		}

		for i, op := range m.Operations {
			if err := r.exec.Execute(ctx, namespace, op); err != nil {
				return applied, eserrors.NewMigrationError(eserrors.CodeOperationFailed,
					fmt.Sprintf("namespace %s: migration %d (%s) op %d %s failed", namespace, m.Version, m.Description, i, op.Kind()), err).
					WithDetails(map[string]interface{}{
						"namespace": namespace,
						"version":   m.Version,
						"op_index":  i,
						"op_kind":   op.Kind(),
					})
			}
		}

		if r.ledger != nil {
			if err := r.ledger.RecordVersion(ctx, namespace, m); err != nil {
				return applied, eserrors.NewMigrationError(eserrors.CodeOperationFailed,
					fmt.Sprintf("namespace %s: failed to record version %d", namespace, m.Version), err)
			}
		}
		r.versions[namespace] = m.Version
		applied++
		r.logf("migration: %s applied v%d (%s), %d ops", namespace, m.Version, m.Description, len(m.Operations))
	}

	return applied, nil
}

// Plan returns the migrations that would run from current. The input is
// assumed to be ordered.
func Plan(current uint32, migrations []types.Migration) []types.Migration {
	var out []types.Migration
	for _, m := range migrations {
		if m.Version > current {
			out = append(out, m)
		}
	}
	return out
}

// CheckOrder verifies versions are positive and strictly ascending.
func CheckOrder(migrations []types.Migration) error {
	var prev uint32
	for i, m := range migrations {
		if m.Version == 0 {
			return eserrors.NewMigrationError(eserrors.CodeUnsortedMigrations,
				fmt.Sprintf("migration at index %d has version 0", i), nil)
		}
		if i > 0 && m.Version <= prev {
			return eserrors.NewMigrationError(eserrors.CodeUnsortedMigrations,
				fmt.Sprintf("migration versions must be strictly ascending: %d follows %d at index %d", m.Version, prev, i), nil).
				WithDetails(map[string]interface{}{"index": i, "version": m.Version, "previous": prev})
		}
		prev = m.Version
	}
	return nil
}

func validateOps(namespace string, m types.Migration) error {
	for i, op := range m.Operations {
		err := op.Validate()
		if err == nil && op.CreateTable != nil {
			if serr := catalog.Validate(*op.CreateTable); serr != nil {
				return serr
			}
		}
		if err != nil {
			return eserrors.NewMigrationError(eserrors.CodeInvalidOperation,
				fmt.Sprintf("namespace %s: migration %d op %d is invalid", namespace, m.Version, i), err)
		}
	}
	return nil
}

// DecodeMigrations parses the JSON wire form: an array of
// {version, description, operations}.
func DecodeMigrations(data []byte) ([]types.Migration, error) {
	var migrations []types.Migration
	if err := json.Unmarshal(data, &migrations); err != nil {
		return nil, eserrors.NewMigrationError(eserrors.CodeInvalidOperation, "invalid migrations JSON", err)
	}
	return migrations, nil
}
