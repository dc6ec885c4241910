package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/pkg/types"
)

// prime puts "users" into one of the four states.
func prime(m *Manager, kind int, seq uint64) {
	ctx := context.Background()
	switch kind % 4 {
	case 0:
		_ = m.Register(ctx, "users")
	case 1:
		_ = m.ApplySnapshot(ctx, "users", nil, seq)
	case 2:
		_ = m.ApplySnapshot(ctx, "users", nil, seq)
		_ = m.Pause(ctx, "users")
	case 3:
		m.Fail(ctx, "users", "transport closed")
	}
}

func TestProperty_SyncStateMachine(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	ctx := context.Background()

	properties.Property("snapshot yields Synced{s} from any prior state", prop.ForAll(
		func(kind int, prior, s uint64) bool {
			m := NewManager(WithLogger(quiet))
			prime(m, kind, prior)
			if err := m.ApplySnapshot(ctx, "users", []byte("[]"), s); err != nil {
				return false
			}
			return m.State("users") == types.Synced(s)
		},
		gen.IntRange(0, 3),
		gen.UInt64Range(0, 1<<40),
		gen.UInt64Range(0, 1<<40),
	))

	properties.Property("delta s+1 advances, any other sequence is a gap that keeps the state", prop.ForAll(
		func(s, seq uint64) bool {
			m := NewManager(WithLogger(quiet))
			_ = m.ApplySnapshot(ctx, "users", nil, s)

			err := m.ApplyDelta(ctx, userDelta(seq))
			if seq == s+1 {
				return err == nil && m.State("users") == types.Synced(s+1)
			}
			return errors.Is(err, eserrors.ErrSequenceGap) && m.State("users") == types.Synced(s)
		},
		gen.UInt64Range(0, 1000),
		gen.UInt64Range(0, 1002),
	))

	properties.Property("delta on an unsynced table fails and never mutates state", prop.ForAll(
		func(seq uint64, registered bool) bool {
			m := NewManager(WithLogger(quiet))
			if registered {
				_ = m.Register(ctx, "users")
			}
			err := m.ApplyDelta(ctx, userDelta(seq))
			return errors.Is(err, eserrors.ErrNotSynced) && m.State("users") == types.Unsynced()
		},
		gen.UInt64(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
