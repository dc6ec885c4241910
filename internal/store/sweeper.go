package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// SweepExpired deletes rows of a TTL table whose TTL column (unix millis)
// is at or before now. Tables without TTL are left alone.
func (s *Store) SweepExpired(ctx context.Context, table string, now time.Time) (int64, error) {
	def, ok := s.Table(table)
	if !ok {
		return 0, fmt.Errorf("store: table %s is not defined", table)
	}
	if def.TTL == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s IS NOT NULL AND %s <= ?", def.Name, def.TTL.Column, def.TTL.Column),
		now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: sweep of %s failed: %w", table, err)
	}
	return res.RowsAffected()
}

// Sweeper periodically removes expired rows from every TTL table. Each
// table is swept at its own cleanup interval; the loop wakes up every tick
// and picks the tables that are due, so tables created after Start are
// covered too.
type Sweeper struct {
	store *Store
	tick  time.Duration
	now   func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastRun  map[string]time.Time
	onDelete func(table string, n int64)
}

// NewSweeper creates a sweeper that checks for due tables every tick.
func NewSweeper(s *Store, tick time.Duration) *Sweeper {
	if tick <= 0 {
		tick = time.Second
	}
	return &Sweeper{
		store:   s,
		tick:    tick,
		now:     time.Now,
		lastRun: make(map[string]time.Time),
	}
}

// OnDelete registers a callback invoked after a sweep removed rows.
func (w *Sweeper) OnDelete(fn func(table string, n int64)) {
	w.mu.Lock()
	w.onDelete = fn
	w.mu.Unlock()
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("store: sweeper is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop halts the loop and waits for the current sweep to finish.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Sweeper) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every TTL table whose interval has elapsed and returns the
// number of rows removed per table.
func (w *Sweeper) RunOnce(ctx context.Context) map[string]int64 {
	now := w.now()
	removed := make(map[string]int64)

	for _, def := range w.store.Tables() {
		if ctx.Err() != nil {
			return removed
		}
		if def.TTL == nil {
			continue
		}

		w.mu.Lock()
		last, seen := w.lastRun[def.Name]
		due := !seen || now.Sub(last) >= def.TTL.CleanupInterval()
		if due {
			w.lastRun[def.Name] = now
		}
		onDelete := w.onDelete
		w.mu.Unlock()
		if !due {
			continue
		}

		n, err := w.store.SweepExpired(ctx, def.Name, now)
		if err != nil {
			// A dropped table disappears from Tables on the next pass
			log.Printf("store: [WARN] ttl sweep of %s failed: %v", def.Name, err)
			continue
		}
		if n > 0 {
			removed[def.Name] = n
			log.Printf("store: ttl sweep removed %d rows from %s", n, def.Name)
			if onDelete != nil {
				onDelete(def.Name, n)
			}
		}
	}
	return removed
}
