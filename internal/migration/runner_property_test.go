package migration

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/polykit/eslite/pkg/types"
)

// ascendingMigrations builds n migrations with strictly ascending versions
// separated by the given gaps. Each one drops a distinct table so the ops
// are always valid.
func ascendingMigrations(gaps []uint32) []types.Migration {
	out := make([]types.Migration, 0, len(gaps))
	var v uint32
	for i, g := range gaps {
		v += g%5 + 1
		out = append(out, types.Migration{
			Version:     v,
			Description: fmt.Sprintf("step %d", i),
			Operations:  []types.MigrationOp{types.DropTable(fmt.Sprintf("t%d", i))},
		})
	}
	return out
}

func TestProperty_MigrateIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("second migrate applies nothing and keeps the version", prop.ForAll(
		func(gaps []uint32) bool {
			ms := ascendingMigrations(gaps)
			r := NewRunner(&recordingExecutor{}, WithLogger(quiet))
			ctx := context.Background()

			first, err := r.Migrate(ctx, "ns", ms)
			if err != nil || first != len(ms) {
				return false
			}
			v := r.CurrentVersion("ns")
			if len(ms) > 0 && v != ms[len(ms)-1].Version {
				return false
			}

			second, err := r.Migrate(ctx, "ns", ms)
			return err == nil && second == 0 && r.CurrentVersion("ns") == v
		},
		gen.SliceOf(gen.UInt32()),
	))

	properties.Property("version never moves past a failing migration", prop.ForAll(
		func(gaps []uint32, failAt int) bool {
			ms := ascendingMigrations(gaps)
			if len(ms) == 0 {
				return true
			}
			failAt %= len(ms)
			exec := &recordingExecutor{failOn: fmt.Sprintf("t%d:%s", failAt, types.OpDropTable)}
			r := NewRunner(exec, WithLogger(quiet))

			applied, err := r.Migrate(context.Background(), "ns", ms)
			if err == nil || applied != failAt {
				return false
			}
			var want uint32
			if failAt > 0 {
				want = ms[failAt-1].Version
			}
			return r.CurrentVersion("ns") == want
		},
		gen.SliceOfN(8, gen.UInt32()),
		gen.IntRange(0, 100),
	))

	properties.Property("any non-ascending list applies nothing", prop.ForAll(
		func(gaps []uint32, i, j int) bool {
			ms := ascendingMigrations(gaps)
			if len(ms) < 2 {
				return true
			}
			i, j = i%len(ms), j%len(ms)
			if i == j {
				j = (j + 1) % len(ms)
			}
			ms[i], ms[j] = ms[j], ms[i]

			exec := &recordingExecutor{}
			r := NewRunner(exec, WithLogger(quiet))
			applied, err := r.Migrate(context.Background(), "ns", ms)
			return err != nil && applied == 0 && len(exec.executed) == 0 && r.CurrentVersion("ns") == 0
		},
		gen.SliceOfN(6, gen.UInt32()),
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
