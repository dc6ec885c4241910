// Package engine wires the schema catalog, migration runner, sync manager
// and query engine around one local store. It is the function-level surface
// a host calls.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/polykit/eslite/internal/archive"
	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/internal/migration"
	"github.com/polykit/eslite/internal/notify"
	"github.com/polykit/eslite/internal/observability"
	"github.com/polykit/eslite/internal/query"
	"github.com/polykit/eslite/internal/store"
	essync "github.com/polykit/eslite/internal/sync"
	"github.com/polykit/eslite/pkg/types"
)

// Binding ties a synced table to the schema version it needs.
type Binding struct {
	Namespace       string `json:"namespace"`
	RequiredVersion uint32 `json:"required_version"`
}

// Engine is safe for concurrent use. Calls for one table are serialized,
// as are migrations.
type Engine struct {
	store    *store.Store
	runner   *migration.Runner
	manager  *essync.Manager
	queries  *query.Engine
	notifier *notify.Notifier
	sweeper  *store.Sweeper
	stats    *observability.Stats

	archive *archive.SnapshotArchive
	keep    int

	requireTrusted bool
	sweepTick      time.Duration
	logf           func(format string, args ...interface{})

	// migrateMu guards the runner's version map
	migrateMu sync.RWMutex

	bindMu   sync.RWMutex
	bindings map[string]Binding

	tableLocks sync.Map // table -> *sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithArchive archives every applied snapshot and keeps the newest keep
// per table.
func WithArchive(a *archive.SnapshotArchive, keep int) Option {
	return func(e *Engine) {
		e.archive = a
		e.keep = keep
	}
}

// WithRequireTrusted controls whether queries on untrusted tables fail.
func WithRequireTrusted(on bool) Option {
	return func(e *Engine) { e.requireTrusted = on }
}

// WithSweepTick sets how often the TTL sweeper looks for due tables.
func WithSweepTick(d time.Duration) Option {
	return func(e *Engine) { e.sweepTick = d }
}

// WithLogger replaces log.Printf for the engine and its components.
func WithLogger(logf func(format string, args ...interface{})) Option {
	return func(e *Engine) { e.logf = logf }
}

// Open opens the store at path and restores versions and sync states.
func Open(ctx context.Context, path string, opts ...Option) (*Engine, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	e, err := New(ctx, st, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return e, nil
}

// New builds an engine on an open store. The engine owns st afterwards.
func New(ctx context.Context, st *store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:          st,
		notifier:       notify.NewNotifier(0),
		requireTrusted: true,
		sweepTick:      time.Second,
		logf:           log.Printf,
		bindings:       make(map[string]Binding),
		stats:          observability.NewStats(time.Hour),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.runner = migration.NewRunner(st, migration.WithLedger(st), migration.WithLogger(e.logf))
	e.manager = essync.NewManager(
		essync.WithMaterializer(st),
		essync.WithStateStore(st),
		essync.WithGate(e.checkBinding),
		essync.WithNotifier(e.notifier),
		essync.WithLogger(e.logf),
	)
	e.queries = query.NewEngine(st.DB(), e.manager, query.WithRequireTrusted(e.requireTrusted))
	e.sweeper = store.NewSweeper(st, e.sweepTick)
	e.sweeper.OnDelete(func(table string, n int64) {
		e.logf("engine: swept %d expired rows from %s", n, table)
	})

	if err := e.runner.Restore(ctx); err != nil {
		return nil, err
	}
	if err := e.manager.Restore(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store { return e.store }

// Notifier returns the change feed.
func (e *Engine) Notifier() *notify.Notifier { return e.notifier }

// Migrate applies migrations to namespace. See migration.Runner.Migrate.
func (e *Engine) Migrate(ctx context.Context, namespace string, migrations []types.Migration) (int, error) {
	e.migrateMu.Lock()
	applied, err := e.runner.Migrate(ctx, namespace, migrations)
	version := e.runner.CurrentVersion(namespace)
	e.migrateMu.Unlock()

	if applied > 0 {
		e.notifier.Publish(notify.Change{Kind: notify.SchemaMigrated, Table: namespace, Sequence: uint64(version)})
	}
	return applied, err
}

// CurrentVersion returns the applied version of namespace, 0 if none.
func (e *Engine) CurrentVersion(namespace string) uint32 {
	e.migrateMu.RLock()
	defer e.migrateMu.RUnlock()
	return e.runner.CurrentVersion(namespace)
}

// Namespaces returns every namespace with at least one applied migration.
func (e *Engine) Namespaces() []string {
	e.migrateMu.RLock()
	defer e.migrateMu.RUnlock()
	return e.runner.Namespaces()
}

// History returns the recorded migrations of namespace.
func (e *Engine) History(ctx context.Context, namespace string) ([]store.VersionRecord, error) {
	return e.store.History(ctx, namespace)
}

// Bind makes snapshots and deltas for table wait until namespace reaches
// requiredVersion. Rebinding replaces the previous binding.
func (e *Engine) Bind(table, namespace string, requiredVersion uint32) error {
	if table == "" || namespace == "" {
		return eserrors.New(eserrors.ErrCategoryConfig, eserrors.CodeInvalidConfig, "binding needs a table and a namespace")
	}
	e.bindMu.Lock()
	e.bindings[table] = Binding{Namespace: namespace, RequiredVersion: requiredVersion}
	e.bindMu.Unlock()
	return nil
}

// Binding returns the binding of table, if any.
func (e *Engine) Binding(table string) (Binding, bool) {
	e.bindMu.RLock()
	defer e.bindMu.RUnlock()
	b, ok := e.bindings[table]
	return b, ok
}

func (e *Engine) checkBinding(table string) error {
	b, ok := e.Binding(table)
	if !ok {
		return nil
	}
	if v := e.CurrentVersion(b.Namespace); v < b.RequiredVersion {
		return eserrors.NewSyncError(eserrors.CodeSchemaNotReady,
			fmt.Sprintf("table %s needs %s at v%d, have v%d", table, b.Namespace, b.RequiredVersion, v)).
			WithDetails(map[string]interface{}{
				"table":     table,
				"namespace": b.Namespace,
				"required":  b.RequiredVersion,
				"current":   v,
			})
	}
	return nil
}

func (e *Engine) lock(table string) func() {
	mu, _ := e.tableLocks.LoadOrStore(table, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Register creates or resets table to Unsynced.
func (e *Engine) Register(ctx context.Context, table string) error {
	defer e.lock(table)()
	return e.manager.Register(ctx, table)
}

// ApplySnapshot replaces the table's contents and marks it Synced{sequence}.
// When an archive is configured the payload is archived afterwards; archive
// failures are logged and do not fail the call.
func (e *Engine) ApplySnapshot(ctx context.Context, table string, data []byte, sequence uint64) error {
	defer e.lock(table)()
	err := e.manager.ApplySnapshot(ctx, table, data, sequence)
	e.stats.RecordSnapshot(table, err)
	if err != nil {
		return err
	}
	e.archiveSnapshot(ctx, table, data, sequence)
	return nil
}

func (e *Engine) archiveSnapshot(ctx context.Context, table string, data []byte, sequence uint64) {
	if e.archive == nil {
		return
	}
	if _, err := e.archive.Save(ctx, table, sequence, data); err != nil {
		e.logf("engine: [WARN] failed to archive snapshot %s@%d: %v", table, sequence, err)
		return
	}
	if e.keep > 0 {
		if _, err := e.archive.Prune(ctx, table, e.keep); err != nil {
			e.logf("engine: [WARN] failed to prune snapshots of %s: %v", table, err)
		}
	}
}

// ApplyDelta applies one delta. See sync.Manager.ApplyDelta.
func (e *Engine) ApplyDelta(ctx context.Context, delta types.Delta) error {
	defer e.lock(delta.Table)()
	err := e.manager.ApplyDelta(ctx, delta)
	e.stats.RecordDelta(delta.Table, err)
	return err
}

// State returns the sync state of table.
func (e *Engine) State(table string) types.SyncState {
	return e.manager.State(table)
}

// States returns the state of every known table.
func (e *Engine) States() map[string]types.SyncState {
	tables := e.manager.Tables()
	out := make(map[string]types.SyncState, len(tables))
	for _, t := range tables {
		out[t] = e.manager.State(t)
	}
	return out
}

// Pause stops accepting deltas for a Synced table.
func (e *Engine) Pause(ctx context.Context, table string) error {
	defer e.lock(table)()
	return e.manager.Pause(ctx, table)
}

// Resume accepts deltas again for a Paused table.
func (e *Engine) Resume(ctx context.Context, table string) error {
	defer e.lock(table)()
	return e.manager.Resume(ctx, table)
}

// Fail moves table to Error, e.g. when the host detects corruption.
func (e *Engine) Fail(ctx context.Context, table, reason string) {
	defer e.lock(table)()
	e.manager.Fail(ctx, table, reason)
}

// Recover re-applies the newest archived snapshot of table and returns its
// sequence. The restored snapshot is not archived again.
func (e *Engine) Recover(ctx context.Context, table string) (uint64, error) {
	if e.archive == nil {
		return 0, eserrors.New(eserrors.ErrCategoryConfig, eserrors.CodeInvalidConfig, "no snapshot archive configured")
	}
	defer e.lock(table)()

	meta, data, err := e.archive.Latest(ctx, table)
	if err != nil {
		return 0, err
	}
	if err := e.manager.ApplySnapshot(ctx, table, data, meta.Sequence); err != nil {
		return 0, err
	}
	e.logf("engine: recovered %s from archived snapshot %s (seq %d)", table, meta.ID, meta.Sequence)
	return meta.Sequence, nil
}

// Query runs q against the local store.
func (e *Engine) Query(ctx context.Context, q *query.Query) (*types.QueryResult, error) {
	res, err := e.queries.Execute(ctx, q)
	if q != nil {
		filtered := make([]string, 0, len(q.Where))
		for _, c := range q.Where {
			filtered = append(filtered, c.Column)
		}
		e.stats.RecordQuery(q.Table, filtered, err)
	}
	return res, err
}

// Stats returns activity counters of the tables seen in the last hour, most
// active first.
func (e *Engine) Stats() []observability.TableStats {
	e.stats.Prune()
	return e.stats.Top(0)
}

// Tables returns the definitions of every table created by migrations,
// sorted by name.
func (e *Engine) Tables() []types.TableDef {
	return e.store.Tables()
}

// StartSweeper starts removing expired rows from TTL tables.
func (e *Engine) StartSweeper(ctx context.Context) error {
	return e.sweeper.Start(ctx)
}

// Sweep runs one TTL pass over the tables that are due.
func (e *Engine) Sweep(ctx context.Context) map[string]int64 {
	return e.sweeper.RunOnce(ctx)
}

// Close stops the sweeper, closes subscribers and the store.
func (e *Engine) Close() error {
	e.sweeper.Stop()
	e.notifier.Close()
	return e.store.Close()
}
