package store

import (
	"context"
	"fmt"
	"time"

	"github.com/polykit/eslite/pkg/types"
)

// VersionRecord is one applied migration.
type VersionRecord struct {
	Namespace   string
	Version     uint32
	Description string
	AppliedAt   time.Time
}

// LoadVersions returns the highest applied version per namespace.
func (s *Store) LoadVersions(ctx context.Context) (map[string]uint32, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT namespace, MAX(version) FROM eslite_schema_versions GROUP BY namespace")
	if err != nil {
		return nil, fmt.Errorf("store: failed to load versions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint32)
	for rows.Next() {
		var ns string
		var v int64
		if err := rows.Scan(&ns, &v); err != nil {
			return nil, fmt.Errorf("store: failed to scan version: %w", err)
		}
		out[ns] = uint32(v)
	}
	return out, rows.Err()
}

// RecordVersion stores an applied migration.
func (s *Store) RecordVersion(ctx context.Context, namespace string, m types.Migration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO eslite_schema_versions (namespace, version, description, applied_at)
		 VALUES (?, ?, ?, ?)`,
		namespace, int64(m.Version), m.Description, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("store: failed to record %s v%d: %w", namespace, m.Version, err)
	}
	return nil
}

// History lists the applied migrations of a namespace in version order.
func (s *Store) History(ctx context.Context, namespace string) ([]VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, version, description, applied_at FROM eslite_schema_versions
		 WHERE namespace = ? ORDER BY version ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list history of %s: %w", namespace, err)
	}
	defer rows.Close()

	var out []VersionRecord
	for rows.Next() {
		var r VersionRecord
		var v, at int64
		if err := rows.Scan(&r.Namespace, &v, &r.Description, &at); err != nil {
			return nil, fmt.Errorf("store: failed to scan history: %w", err)
		}
		r.Version = uint32(v)
		r.AppliedAt = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadStates returns every persisted sync state.
func (s *Store) LoadStates(ctx context.Context) (map[string]types.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tbl, status, last_sequence, reason FROM eslite_sync_state")
	if err != nil {
		return nil, fmt.Errorf("store: failed to load sync states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.SyncState)
	for rows.Next() {
		var table, status, reason string
		var seq int64
		if err := rows.Scan(&table, &status, &seq, &reason); err != nil {
			return nil, fmt.Errorf("store: failed to scan sync state: %w", err)
		}
		st := types.SyncState{Status: types.SyncStatus(status), LastSequence: uint64(seq), Reason: reason}
		switch st.Status {
		case types.StatusUnsynced, types.StatusSynced, types.StatusPaused, types.StatusError:
		default:
			// Unknown rows are not trusted
			st = types.Unsynced()
		}
		out[table] = st
	}
	return out, rows.Err()
}

// SaveState persists the state of one table.
func (s *Store) SaveState(ctx context.Context, table string, st types.SyncState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO eslite_sync_state (tbl, status, last_sequence, reason, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tbl) DO UPDATE SET status = excluded.status, last_sequence = excluded.last_sequence,
		 reason = excluded.reason, updated_at = excluded.updated_at`,
		table, string(st.Status), int64(st.LastSequence), st.Reason, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("store: failed to save state of %s: %w", table, err)
	}
	return nil
}
