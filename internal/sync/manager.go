// Package sync tracks the per-table snapshot+delta state machine.
//
// A table starts Unsynced. A snapshot moves it to Synced{seq} from any state.
// A delta is accepted only in Synced{last} and only when its sequence is
// last+1; a gap is reported but does not change the state, so the transport
// can re-deliver the missing delta. Paused keeps the last sequence trusted
// but refuses deltas. Error is left only through a snapshot.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/internal/notify"
	"github.com/polykit/eslite/pkg/types"
)

// Materializer writes synced data into the local store. Each call must be
// atomic: either the whole snapshot or delta is visible or none of it.
type Materializer interface {
	ReplaceSnapshot(ctx context.Context, table string, data []byte, sequence uint64) error
	ApplyDelta(ctx context.Context, delta types.Delta) error
}

// StateStore persists the table→state cache.
type StateStore interface {
	LoadStates(ctx context.Context) (map[string]types.SyncState, error)
	SaveState(ctx context.Context, table string, state types.SyncState) error
}

// Gate is consulted before a snapshot or delta is materialized. A non-nil
// error refuses the call and leaves the state unchanged.
type Gate func(table string) error

// Manager owns the sync state of every table. The mutex only protects the
// map; callers must not issue concurrent calls for the same table.
type Manager struct {
	mu     sync.RWMutex
	states map[string]types.SyncState

	mat      Materializer
	store    StateStore
	gate     Gate
	notifier *notify.Notifier
	logf     func(format string, args ...interface{})
}

// Option configures a Manager.
type Option func(*Manager)

func WithMaterializer(m Materializer) Option { return func(mg *Manager) { mg.mat = m } }

func WithStateStore(s StateStore) Option { return func(mg *Manager) { mg.store = s } }

func WithGate(g Gate) Option { return func(mg *Manager) { mg.gate = g } }

func WithNotifier(n *notify.Notifier) Option { return func(mg *Manager) { mg.notifier = n } }

func WithLogger(logf func(format string, args ...interface{})) Option {
	return func(mg *Manager) { mg.logf = logf }
}

// NewManager creates a manager with no registered tables.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		states: make(map[string]types.SyncState),
		logf:   log.Printf,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore replaces the in-memory states with the persisted ones.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	states, err := m.store.LoadStates(ctx)
	if err != nil {
		return fmt.Errorf("sync: failed to load states: %w", err)
	}
	m.mu.Lock()
	m.states = make(map[string]types.SyncState, len(states))
	for t, s := range states {
		m.states[t] = s
	}
	m.mu.Unlock()
	return nil
}

// Register creates or resets table to Unsynced.
func (m *Manager) Register(ctx context.Context, table string) error {
	if table == "" {
		return eserrors.NewSyncError(eserrors.CodeInvalidDelta, "table name is empty")
	}
	m.setState(ctx, table, types.Unsynced())
	return nil
}

// State returns the table's state, Unsynced when unknown.
func (m *Manager) State(table string) types.SyncState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[table]; ok {
		return s
	}
	return types.Unsynced()
}

// Tables returns every known table in sorted order.
func (m *Manager) Tables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.states))
	for t := range m.states {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ApplySnapshot replaces the table's contents and resets it to
// Synced{sequence} whatever its prior state.
func (m *Manager) ApplySnapshot(ctx context.Context, table string, data []byte, sequence uint64) error {
	if table == "" {
		return eserrors.NewSyncError(eserrors.CodeInvalidDelta, "table name is empty")
	}
	if m.gate != nil {
		if err := m.gate(table); err != nil {
			return err
		}
	}
	if m.mat != nil {
		if err := m.mat.ReplaceSnapshot(ctx, table, data, sequence); err != nil {
			if errors.Is(err, eserrors.ErrSchemaNotReady) {
				return err
			}
			return m.fail(ctx, table, fmt.Sprintf("snapshot at %d failed", sequence), err)
		}
	}
	m.setState(ctx, table, types.Synced(sequence))
	m.logf("sync: %s snapshot applied at sequence %d (%d bytes)", table, sequence, len(data))
	m.publish(notify.SnapshotApplied, table, sequence)
	return nil
}

// ApplyDelta applies one delta. It requires Synced{last} and
// delta.Sequence == last+1; otherwise the state is left untouched. A table
// that is not Synced answers NOT_SYNCED before the delta's shape is checked.
func (m *Manager) ApplyDelta(ctx context.Context, delta types.Delta) error {
	if delta.Table == "" {
		return eserrors.NewSyncError(eserrors.CodeInvalidDelta, "invalid delta: delta has no table")
	}

	state := m.State(delta.Table)
	if state.Status != types.StatusSynced {
		return eserrors.NotSynced(delta.Table, state.String())
	}
	if err := delta.Validate(); err != nil {
		return eserrors.Wrap(eserrors.ErrCategorySync, eserrors.CodeInvalidDelta, "invalid delta", err)
	}
	if state.LastSequence == math.MaxUint64 {
		return eserrors.NewSyncError(eserrors.CodeInvalidDelta,
			fmt.Sprintf("%s is at the last representable sequence; only a snapshot can follow", delta.Table)).
			WithDetails(map[string]interface{}{"table": delta.Table, "last_sequence": state.LastSequence})
	}
	if expected := state.LastSequence + 1; delta.Sequence != expected {
		return eserrors.SequenceGap(delta.Table, expected, delta.Sequence)
	}
	if m.gate != nil {
		if err := m.gate(delta.Table); err != nil {
			return err
		}
	}

	if m.mat != nil {
		if err := m.mat.ApplyDelta(ctx, delta); err != nil {
			if errors.Is(err, eserrors.ErrSchemaNotReady) {
				return err
			}
			return m.fail(ctx, delta.Table, fmt.Sprintf("delta %d (%s) failed", delta.Sequence, delta.Operation), err)
		}
	}
	m.setState(ctx, delta.Table, types.Synced(delta.Sequence))
	m.publish(notify.DeltaApplied, delta.Table, delta.Sequence)
	return nil
}

// Pause suspends delta acceptance, keeping the last sequence trusted.
func (m *Manager) Pause(ctx context.Context, table string) error {
	state := m.State(table)
	if state.Status != types.StatusSynced {
		return eserrors.NotSynced(table, state.String())
	}
	m.setState(ctx, table, types.Paused(state.LastSequence))
	m.logf("sync: %s paused at sequence %d", table, state.LastSequence)
	return nil
}

// Resume re-enables deltas from the paused sequence.
func (m *Manager) Resume(ctx context.Context, table string) error {
	state := m.State(table)
	if state.Status != types.StatusPaused {
		return eserrors.NotSynced(table, state.String())
	}
	m.setState(ctx, table, types.Synced(state.LastSequence))
	m.logf("sync: %s resumed at sequence %d", table, state.LastSequence)
	return nil
}

// Fail moves the table to Error{reason}. Hosts use it for unrecoverable
// transport errors; only a snapshot recovers.
func (m *Manager) Fail(ctx context.Context, table, reason string) {
	m.setState(ctx, table, types.Failed(reason))
	m.logf("sync: [WARN] %s marked failed: %s", table, reason)
	m.publish(notify.TableFailed, table, 0)
}

func (m *Manager) fail(ctx context.Context, table, msg string, cause error) error {
	reason := fmt.Sprintf("%s: %v", msg, cause)
	m.Fail(ctx, table, reason)
	return eserrors.Wrap(eserrors.ErrCategorySync, eserrors.CodeApplyFailed, fmt.Sprintf("%s: %s", table, msg), cause).
		WithDetails(map[string]interface{}{"table": table})
}

func (m *Manager) setState(ctx context.Context, table string, s types.SyncState) {
	m.mu.Lock()
	m.states[table] = s
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveState(ctx, table, s); err != nil {
			// The map stays authoritative for this process; the persisted
			// copy is rebuilt by the next snapshot.
			m.logf("sync: [WARN] failed to persist state %s for %s: %v", s, table, err)
		}
	}
}

func (m *Manager) publish(kind notify.ChangeKind, table string, seq uint64) {
	if m.notifier != nil {
		m.notifier.Publish(notify.Change{Kind: kind, Table: table, Sequence: seq})
	}
}
