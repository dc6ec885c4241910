package sync

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/internal/notify"
	"github.com/polykit/eslite/pkg/types"
)

func quiet(string, ...interface{}) {}

type fakeMaterializer struct {
	snapshots []uint64
	deltas    []uint64
	failNext  error
}

func (f *fakeMaterializer) ReplaceSnapshot(_ context.Context, _ string, _ []byte, seq uint64) error {
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.snapshots = append(f.snapshots, seq)
	return nil
}

func (f *fakeMaterializer) ApplyDelta(_ context.Context, d types.Delta) error {
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.deltas = append(f.deltas, d.Sequence)
	return nil
}

type memStateStore struct {
	states map[string]types.SyncState
	err    error
}

func (s *memStateStore) LoadStates(context.Context) (map[string]types.SyncState, error) {
	return s.states, nil
}

func (s *memStateStore) SaveState(_ context.Context, table string, st types.SyncState) error {
	if s.err != nil {
		return s.err
	}
	if s.states == nil {
		s.states = make(map[string]types.SyncState)
	}
	s.states[table] = st
	return nil
}

func userDelta(seq uint64) types.Delta {
	return types.Delta{
		Sequence:  seq,
		Operation: types.DeltaUpdate,
		Table:     "users",
		Key:       []byte("u1"),
		Data:      []byte(`{"name":"ada"}`),
	}
}

func TestManager_UsersScenario(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithLogger(quiet))

	if err := m.Register(ctx, "users"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.ApplySnapshot(ctx, "users", []byte("[]"), 100); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := m.State("users"); got != types.Synced(100) {
		t.Fatalf("state %s, want Synced{100}", got)
	}

	if err := m.ApplyDelta(ctx, userDelta(101)); err != nil {
		t.Fatalf("delta 101: %v", err)
	}
	if got := m.State("users"); got != types.Synced(101) {
		t.Fatalf("state %s, want Synced{101}", got)
	}

	err := m.ApplyDelta(ctx, userDelta(101))
	if !errors.Is(err, eserrors.ErrSequenceGap) {
		t.Fatalf("replayed delta: got %v, want sequence gap", err)
	}
	expected, got, ok := eserrors.GapDetails(err)
	if !ok || expected != 102 || got != 101 {
		t.Errorf("gap details expected=%d got=%d ok=%v", expected, got, ok)
	}
	if !eserrors.IsRetryable(err) {
		t.Error("sequence gap should be retryable")
	}
	if s := m.State("users"); s != types.Synced(101) {
		t.Errorf("state after gap %s, want Synced{101}", s)
	}
}

func TestManager_StateOfUnknownTable(t *testing.T) {
	m := NewManager(WithLogger(quiet))
	if s := m.State("never"); s != types.Unsynced() {
		t.Errorf("got %s", s)
	}
	if len(m.Tables()) != 0 {
		t.Error("State must not register the table")
	}
}

func TestManager_DeltaRejectedOutsideSynced(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(m *Manager)
		want  types.SyncState
	}{
		{"unknown", func(m *Manager) {}, types.Unsynced()},
		{"unsynced", func(m *Manager) { _ = m.Register(ctx, "users") }, types.Unsynced()},
		{"paused", func(m *Manager) {
			_ = m.ApplySnapshot(ctx, "users", nil, 7)
			_ = m.Pause(ctx, "users")
		}, types.Paused(7)},
		{"error", func(m *Manager) { m.Fail(ctx, "users", "stream reset") }, types.Failed("stream reset")},
	}

	for _, tt := range tests {
		mat := &fakeMaterializer{}
		m := NewManager(WithMaterializer(mat), WithLogger(quiet))
		tt.setup(m)

		err := m.ApplyDelta(ctx, userDelta(8))
		if !errors.Is(err, eserrors.ErrNotSynced) {
			t.Errorf("%s: got %v, want not synced", tt.name, err)
		}
		if s := m.State("users"); s != tt.want {
			t.Errorf("%s: state %s, want %s", tt.name, s, tt.want)
		}
		if len(mat.deltas) != 0 {
			t.Errorf("%s: materializer saw %v", tt.name, mat.deltas)
		}
	}
}

func TestManager_SnapshotResetsAnyState(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithLogger(quiet))

	m.Fail(ctx, "users", "boom")
	if err := m.ApplySnapshot(ctx, "users", nil, 5); err != nil {
		t.Fatalf("snapshot from error: %v", err)
	}
	_ = m.Pause(ctx, "users")
	if err := m.ApplySnapshot(ctx, "users", nil, 3); err != nil {
		t.Fatalf("snapshot from paused: %v", err)
	}
	if s := m.State("users"); s != types.Synced(3) {
		t.Errorf("state %s, want Synced{3} (snapshot sequence may go backwards)", s)
	}
}

func TestManager_PauseResume(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithLogger(quiet))

	if err := m.Pause(ctx, "users"); !errors.Is(err, eserrors.ErrNotSynced) {
		t.Errorf("pause unsynced: %v", err)
	}
	_ = m.ApplySnapshot(ctx, "users", nil, 10)
	if err := m.Resume(ctx, "users"); !errors.Is(err, eserrors.ErrNotSynced) {
		t.Errorf("resume synced: %v", err)
	}
	if err := m.Pause(ctx, "users"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if s := m.State("users"); s != types.Paused(10) || !s.Trusted() {
		t.Errorf("state %s", s)
	}
	if err := m.Resume(ctx, "users"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := m.ApplyDelta(ctx, userDelta(11)); err != nil {
		t.Errorf("delta after resume: %v", err)
	}
}

func TestManager_InvalidDeltaLeavesState(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithLogger(quiet))
	_ = m.ApplySnapshot(ctx, "users", nil, 1)

	bad := userDelta(2)
	bad.Operation = types.DeltaDelete
	if err := m.ApplyDelta(ctx, bad); eserrors.GetCode(err) != eserrors.CodeInvalidDelta {
		t.Errorf("got %v", err)
	}
	if s := m.State("users"); s != types.Synced(1) {
		t.Errorf("state %s", s)
	}
}

func TestManager_MalformedDeltaOnUnsyncedTableIsNotSynced(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithLogger(quiet))
	_ = m.Register(ctx, "users")

	bad := userDelta(1)
	bad.Key = nil
	bad.Operation = "Upsert"
	if err := m.ApplyDelta(ctx, bad); eserrors.GetCode(err) != eserrors.CodeNotSynced {
		t.Errorf("got %v", err)
	}
	if s := m.State("users"); s != types.Unsynced() {
		t.Errorf("state %s", s)
	}

	if err := m.ApplyDelta(ctx, types.Delta{Sequence: 1}); eserrors.GetCode(err) != eserrors.CodeInvalidDelta {
		t.Errorf("delta without table: %v", err)
	}
}

func TestManager_LastSequenceDoesNotWrap(t *testing.T) {
	ctx := context.Background()
	mat := &fakeMaterializer{}
	m := NewManager(WithMaterializer(mat), WithLogger(quiet))
	if err := m.ApplySnapshot(ctx, "users", nil, math.MaxUint64); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	for _, seq := range []uint64{0, 1, math.MaxUint64} {
		if err := m.ApplyDelta(ctx, userDelta(seq)); eserrors.GetCode(err) != eserrors.CodeInvalidDelta {
			t.Errorf("delta %d after the last sequence: %v", seq, err)
		}
	}
	if s := m.State("users"); s != types.Synced(math.MaxUint64) {
		t.Errorf("state %s", s)
	}
	if len(mat.deltas) != 0 {
		t.Errorf("materialized %v", mat.deltas)
	}
}

func TestManager_UndefinedTableLeavesState(t *testing.T) {
	ctx := context.Background()
	mat := &fakeMaterializer{}
	m := NewManager(WithMaterializer(mat), WithLogger(quiet))
	_ = m.Register(ctx, "users")

	mat.failNext = eserrors.NewSyncError(eserrors.CodeSchemaNotReady, "users is not defined")
	if err := m.ApplySnapshot(ctx, "users", nil, 100); !errors.Is(err, eserrors.ErrSchemaNotReady) {
		t.Fatalf("expected SCHEMA_NOT_READY, got %v", err)
	}
	if s := m.State("users"); s != types.Unsynced() {
		t.Errorf("state after refused snapshot %s", s)
	}

	_ = m.ApplySnapshot(ctx, "users", nil, 1)
	mat.failNext = eserrors.NewSyncError(eserrors.CodeSchemaNotReady, "users is not defined")
	if err := m.ApplyDelta(ctx, userDelta(2)); !errors.Is(err, eserrors.ErrSchemaNotReady) {
		t.Fatalf("expected SCHEMA_NOT_READY, got %v", err)
	}
	if s := m.State("users"); s != types.Synced(1) {
		t.Errorf("state after refused delta %s", s)
	}
}

func TestManager_MaterializerFailureMovesToError(t *testing.T) {
	ctx := context.Background()
	mat := &fakeMaterializer{}
	m := NewManager(WithMaterializer(mat), WithLogger(quiet))

	_ = m.ApplySnapshot(ctx, "users", nil, 1)
	mat.failNext = errors.New("constraint failed")

	err := m.ApplyDelta(ctx, userDelta(2))
	if eserrors.GetCode(err) != eserrors.CodeApplyFailed {
		t.Fatalf("got %v", err)
	}
	s := m.State("users")
	if s.Status != types.StatusError || s.Reason == "" {
		t.Errorf("state %s, want Error", s)
	}

	if err := m.ApplySnapshot(ctx, "users", nil, 2); err != nil {
		t.Fatalf("recovery snapshot: %v", err)
	}
	if got := mat.snapshots; len(got) != 2 || got[1] != 2 {
		t.Errorf("snapshots %v", got)
	}
}

func TestManager_GateRefusesWithoutStateChange(t *testing.T) {
	ctx := context.Background()
	ready := false
	gate := func(table string) error {
		if !ready {
			return eserrors.ErrSchemaNotReady
		}
		return nil
	}
	mat := &fakeMaterializer{}
	m := NewManager(WithGate(gate), WithMaterializer(mat), WithLogger(quiet))
	_ = m.Register(ctx, "users")

	if err := m.ApplySnapshot(ctx, "users", nil, 1); !errors.Is(err, eserrors.ErrSchemaNotReady) {
		t.Errorf("got %v", err)
	}
	if s := m.State("users"); s != types.Unsynced() || len(mat.snapshots) != 0 {
		t.Errorf("gate leaked: state %s snapshots %v", s, mat.snapshots)
	}

	ready = true
	if err := m.ApplySnapshot(ctx, "users", nil, 1); err != nil {
		t.Errorf("snapshot after gate opened: %v", err)
	}
}

func TestManager_PersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := &memStateStore{}
	m := NewManager(WithStateStore(store), WithLogger(quiet))

	_ = m.ApplySnapshot(ctx, "users", nil, 4)
	_ = m.ApplyDelta(ctx, userDelta(5))
	_ = m.Register(ctx, "orders")

	restored := NewManager(WithStateStore(store), WithLogger(quiet))
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if s := restored.State("users"); s != types.Synced(5) {
		t.Errorf("users %s", s)
	}
	if got := restored.Tables(); len(got) != 2 || got[0] != "orders" {
		t.Errorf("tables %v", got)
	}
}

func TestManager_PersistFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithStateStore(&memStateStore{err: errors.New("readonly")}), WithLogger(quiet))
	if err := m.ApplySnapshot(ctx, "users", nil, 1); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if s := m.State("users"); s != types.Synced(1) {
		t.Errorf("state %s", s)
	}
}

func TestManager_PublishesChanges(t *testing.T) {
	ctx := context.Background()
	n := notify.NewNotifier(8)
	sub := n.Subscribe("test", "users")
	m := NewManager(WithNotifier(n), WithLogger(quiet))

	_ = m.ApplySnapshot(ctx, "users", nil, 1)
	_ = m.ApplyDelta(ctx, userDelta(2))
	_ = m.ApplyDelta(ctx, userDelta(9)) // gap: no change

	for _, want := range []notify.Change{
		{Kind: notify.SnapshotApplied, Table: "users", Sequence: 1},
		{Kind: notify.DeltaApplied, Table: "users", Sequence: 2},
	} {
		select {
		case c := <-sub.Ch:
			if c.Kind != want.Kind || c.Sequence != want.Sequence {
				t.Errorf("got %+v, want %+v", c, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %+v", want)
		}
	}
	if len(sub.Ch) != 0 {
		t.Errorf("%d unexpected changes", len(sub.Ch))
	}
}
