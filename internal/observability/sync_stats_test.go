package observability

import (
	"errors"
	"sync"
	"testing"
	"time"

	eserrors "github.com/polykit/eslite/internal/errors"
)

func TestRecordConcurrent(t *testing.T) {
	s := NewStats(time.Hour)
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				s.RecordDelta("users", nil)
				s.RecordQuery("users", []string{"id"}, nil)
			}
		}()
	}
	wg.Wait()

	got, ok := s.Table("users")
	if !ok {
		t.Fatal("users not tracked")
	}
	want := int64(numGoroutines * recordsPerGoroutine)
	if got.Deltas != want || got.Queries != want {
		t.Errorf("deltas=%d queries=%d, want %d", got.Deltas, got.Queries, want)
	}
	if got.Filters["id"] != int(want) {
		t.Errorf("filter count %d", got.Filters["id"])
	}
}

func TestRejectionsByCode(t *testing.T) {
	s := NewStats(time.Hour)
	s.RecordSnapshot("users", nil)
	s.RecordDelta("users", eserrors.SequenceGap("users", 11, 12))
	s.RecordDelta("users", eserrors.SequenceGap("users", 11, 13))
	s.RecordDelta("users", eserrors.NotSynced("users", "Unsynced"))
	s.RecordQuery("users", nil, errors.New("boom"))

	got, _ := s.Table("users")
	if got.Snapshots != 1 || got.Deltas != 0 || got.Queries != 0 {
		t.Errorf("accepted counters %+v", got)
	}
	if got.Rejected[eserrors.CodeSequenceGap] != 2 ||
		got.Rejected[eserrors.CodeNotSynced] != 1 ||
		got.Rejected[eserrors.CodeUnexpected] != 1 {
		t.Errorf("rejected %v", got.Rejected)
	}
}

func TestTopOrdering(t *testing.T) {
	s := NewStats(time.Hour)
	for i := 0; i < 5; i++ {
		s.RecordDelta("orders", nil)
	}
	for i := 0; i < 2; i++ {
		s.RecordDelta("users", nil)
		s.RecordDelta("accounts", nil)
	}

	top := s.Top(0)
	if len(top) != 3 {
		t.Fatalf("expected 3 tables, got %d", len(top))
	}
	if top[0].Table != "orders" || top[1].Table != "accounts" || top[2].Table != "users" {
		t.Errorf("order %s %s %s", top[0].Table, top[1].Table, top[2].Table)
	}
	if two := s.Top(2); len(two) != 2 {
		t.Errorf("Top(2) returned %d", len(two))
	}
}

func TestCopiesAreIsolated(t *testing.T) {
	s := NewStats(time.Hour)
	s.RecordQuery("users", []string{"id"}, nil)

	got, _ := s.Table("users")
	got.Filters["id"] = 99
	got.Queries = 99

	again, _ := s.Table("users")
	if again.Filters["id"] != 1 || again.Queries != 1 {
		t.Errorf("internal state modified: %+v", again)
	}
}

func TestPrune(t *testing.T) {
	s := NewStats(time.Minute)
	clock := time.Now()
	s.now = func() time.Time { return clock }

	s.RecordDelta("old", nil)
	clock = clock.Add(2 * time.Minute)
	s.RecordDelta("fresh", nil)
	s.Prune()

	if _, ok := s.Table("old"); ok {
		t.Error("old table not pruned")
	}
	if _, ok := s.Table("fresh"); !ok {
		t.Error("fresh table pruned")
	}

	keep := NewStats(0)
	keep.RecordDelta("t", nil)
	keep.Prune()
	if _, ok := keep.Table("t"); !ok {
		t.Error("zero window must keep entries")
	}
}
