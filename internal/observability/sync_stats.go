// Package observability tracks per-table sync and query activity.
package observability

import (
	"sort"
	"sync"
	"time"

	eserrors "github.com/polykit/eslite/internal/errors"
)

// Stats counts snapshots, deltas and queries per table. Rejections are
// counted by error code.
type Stats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
	window time.Duration
	now    func() time.Time
}

// TableStats holds the counters of one table.
type TableStats struct {
	Table     string         `json:"table"`
	Snapshots int64          `json:"snapshots"`
	Deltas    int64          `json:"deltas"`
	Queries   int64          `json:"queries"`
	Rejected  map[string]int `json:"rejected,omitempty"` // error code → count
	Filters   map[string]int `json:"filters,omitempty"`  // filtered column → count
	LastSeen  time.Time      `json:"last_seen"`
}

// Activity is the number of accepted operations.
func (t TableStats) Activity() int64 {
	return t.Snapshots + t.Deltas + t.Queries
}

// NewStats creates a tracker. Tables idle longer than window are dropped by
// Prune; zero keeps them forever.
func NewStats(window time.Duration) *Stats {
	return &Stats{
		tables: make(map[string]*TableStats),
		window: window,
		now:    time.Now,
	}
}

func (s *Stats) entry(table string) *TableStats {
	t, ok := s.tables[table]
	if !ok {
		t = &TableStats{
			Table:    table,
			Rejected: make(map[string]int),
			Filters:  make(map[string]int),
		}
		s.tables[table] = t
	}
	t.LastSeen = s.now()
	return t
}

func (s *Stats) reject(t *TableStats, err error) {
	t.Rejected[eserrors.ToPayload(err).Code]++
}

// RecordSnapshot records the outcome of a snapshot application.
func (s *Stats) RecordSnapshot(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.entry(table)
	if err != nil {
		s.reject(t, err)
		return
	}
	t.Snapshots++
}

// RecordDelta records the outcome of a delta application.
func (s *Stats) RecordDelta(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.entry(table)
	if err != nil {
		s.reject(t, err)
		return
	}
	t.Deltas++
}

// RecordQuery records a query and the columns it filtered on.
func (s *Stats) RecordQuery(table string, filtered []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.entry(table)
	if err != nil {
		s.reject(t, err)
		return
	}
	t.Queries++
	for _, c := range filtered {
		t.Filters[c]++
	}
}

// Table returns a copy of one table's counters.
func (s *Stats) Table(table string) (TableStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[table]
	if !ok {
		return TableStats{}, false
	}
	return copyStats(t), true
}

// Top returns copies of the n most active tables, most active first. Ties
// are broken by name. n <= 0 returns every table.
func (s *Stats) Top(n int) []TableStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TableStats, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, copyStats(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Activity() != out[j].Activity() {
			return out[i].Activity() > out[j].Activity()
		}
		return out[i].Table < out[j].Table
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Prune drops tables not seen within the window.
func (s *Stats) Prune() {
	if s.window <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for name, t := range s.tables {
		if t.LastSeen.Before(threshold) {
			delete(s.tables, name)
		}
	}
}

func copyStats(t *TableStats) TableStats {
	c := *t
	c.Rejected = make(map[string]int, len(t.Rejected))
	for k, v := range t.Rejected {
		c.Rejected[k] = v
	}
	c.Filters = make(map[string]int, len(t.Filters))
	for k, v := range t.Filters {
		c.Filters[k] = v
	}
	return c
}
