package types

import (
	"encoding/json"
	"fmt"
)

// DeltaOp is the kind of change carried by a delta.
type DeltaOp string

const (
	DeltaInsert DeltaOp = "Insert"
	DeltaUpdate DeltaOp = "Update"
	DeltaDelete DeltaOp = "Delete"
)

// Delta is one incremental change to a synced table.
type Delta struct {
	// Sequence is the per-table counter; the first delta after a snapshot
	// at sequence s carries s+1
	Sequence  uint64  `json:"sequence"`
	Operation DeltaOp `json:"operation"`
	Table     string  `json:"table"`
	Key       []byte  `json:"key"`

	// Data is nil for Delete
	Data []byte `json:"data"`
}

// Validate checks the shape of the delta without looking at sync state.
func (d Delta) Validate() error {
	if d.Table == "" {
		return fmt.Errorf("delta has no table")
	}
	if len(d.Key) == 0 {
		return fmt.Errorf("delta for %s has no key", d.Table)
	}
	switch d.Operation {
	case DeltaInsert, DeltaUpdate:
		if d.Data == nil {
			return fmt.Errorf("%s delta for %s requires data", d.Operation, d.Table)
		}
	case DeltaDelete:
		if d.Data != nil {
			return fmt.Errorf("Delete delta for %s must not carry data", d.Table)
		}
	default:
		return fmt.Errorf("unknown delta operation %q", d.Operation)
	}
	return nil
}

// UnmarshalJSON accepts key and data either as base64 strings or as arrays
// of byte values.
func (d *Delta) UnmarshalJSON(data []byte) error {
	var raw struct {
		Sequence  uint64          `json:"sequence"`
		Operation DeltaOp         `json:"operation"`
		Table     string          `json:"table"`
		Key       json.RawMessage `json:"key"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	key, err := decodeBytes(raw.Key)
	if err != nil {
		return fmt.Errorf("delta key: %w", err)
	}
	payload, err := decodeBytes(raw.Data)
	if err != nil {
		return fmt.Errorf("delta data: %w", err)
	}
	*d = Delta{Sequence: raw.Sequence, Operation: raw.Operation, Table: raw.Table, Key: key, Data: payload}
	return nil
}

func decodeBytes(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] != '[' {
		var b []byte
		err := json.Unmarshal(raw, &b)
		return b, err
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, err
	}
	b := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("byte value %d out of range", v)
		}
		b[i] = byte(v)
	}
	return b, nil
}

// SyncStatus is the tag of a SyncState.
type SyncStatus string

const (
	StatusUnsynced SyncStatus = "Unsynced"
	StatusSynced   SyncStatus = "Synced"
	StatusPaused   SyncStatus = "Paused"
	StatusError    SyncStatus = "Error"
)

// SyncState is the per-table sync state. LastSequence is meaningful for
// Synced and Paused, Reason for Error.
type SyncState struct {
	Status       SyncStatus `json:"status"`
	LastSequence uint64     `json:"last_sequence,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Unsynced is the initial state: no data is trusted.
func Unsynced() SyncState { return SyncState{Status: StatusUnsynced} }

// Synced means data is trusted up to seq and deltas are accepted.
func Synced(seq uint64) SyncState { return SyncState{Status: StatusSynced, LastSequence: seq} }

// Paused means data is trusted up to seq but deltas are refused.
func Paused(seq uint64) SyncState { return SyncState{Status: StatusPaused, LastSequence: seq} }

// Failed is the Error state; only a snapshot leaves it.
func Failed(reason string) SyncState { return SyncState{Status: StatusError, Reason: reason} }

// Trusted reports whether reads against the table see confirmed data.
func (s SyncState) Trusted() bool {
	return s.Status == StatusSynced || s.Status == StatusPaused
}

func (s SyncState) String() string {
	switch s.Status {
	case StatusSynced, StatusPaused:
		return fmt.Sprintf("%s{%d}", s.Status, s.LastSequence)
	case StatusError:
		return fmt.Sprintf("Error{%s}", s.Reason)
	case "":
		return string(StatusUnsynced)
	}
	return string(s.Status)
}

// UnmarshalJSON defaults an empty status to Unsynced.
func (s *SyncState) UnmarshalJSON(data []byte) error {
	type alias SyncState
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Status == "" {
		a.Status = StatusUnsynced
	}
	switch a.Status {
	case StatusUnsynced, StatusSynced, StatusPaused, StatusError:
	default:
		return fmt.Errorf("unknown sync status %q", a.Status)
	}
	*s = SyncState(a)
	return nil
}
