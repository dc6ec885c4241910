// Package notify provides an in-process change bus so readers can react to
// applied snapshots and deltas without polling sync state.
package notify

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeKind identifies what produced a change.
type ChangeKind int

const (
	SnapshotApplied ChangeKind = iota
	DeltaApplied
	TableFailed
	SchemaMigrated
)

func (k ChangeKind) String() string {
	switch k {
	case SnapshotApplied:
		return "snapshot"
	case DeltaApplied:
		return "delta"
	case TableFailed:
		return "failed"
	case SchemaMigrated:
		return "migrated"
	default:
		return "unknown"
	}
}

// Change describes one state change of a table (or namespace, for
// SchemaMigrated).
type Change struct {
	Kind      ChangeKind
	Table     string
	Sequence  uint64
	Timestamp int64
}

// Notifier is a non-blocking pub/sub bus keyed by table name.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a notifier whose subscriber channels hold bufferSize
// changes.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Notifier{bufferSize: bufferSize}
}

// Publish delivers c to every matching subscriber. A subscriber with a full
// channel misses the change.
func (n *Notifier) Publish(c Change) {
	if c.Timestamp == 0 {
		c.Timestamp = time.Now().UnixNano()
	}
	n.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(c.Table) {
			select {
			case sub.Ch <- c:
			default:
				// Channel full - drop, never block the writer
			}
		}
		return true
	})
}

// Subscribe registers a subscriber under id. Filters are table-name
// prefixes; none means every table.
func (n *Notifier) Subscribe(id string, filters ...string) *Subscriber {
	if id == "" {
		id = "sub_" + uuid.NewString()
	}
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      make(chan Change, n.bufferSize),
	}
	if old, loaded := n.subscribers.Swap(id, sub); loaded {
		close(old.(*Subscriber).Ch)
	}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	if value, ok := n.subscribers.LoadAndDelete(id); ok {
		close(value.(*Subscriber).Ch)
	}
}

// Close unsubscribes everyone.
func (n *Notifier) Close() {
	n.subscribers.Range(func(key, _ interface{}) bool {
		n.Unsubscribe(key.(string))
		return true
	})
}

// Subscriber receives changes on Ch.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Change
}

func (s *Subscriber) matches(table string) bool {
	if len(s.Filters) == 0 {
		return true
	}
	for _, f := range s.Filters {
		if f == "" || strings.HasPrefix(table, f) {
			return true
		}
	}
	return false
}
