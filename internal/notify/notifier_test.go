package notify

import (
	"testing"
	"time"
)

func TestNotifier_PublishNoSubscribers(t *testing.T) {
	n := NewNotifier(4)
	// Should not panic and should not block
	n.Publish(Change{Kind: DeltaApplied, Table: "users", Sequence: 1})
}

func TestNotifier_SubscriberReceivesChange(t *testing.T) {
	n := NewNotifier(4)
	sub := n.Subscribe("s1")

	n.Publish(Change{Kind: SnapshotApplied, Table: "users", Sequence: 100})

	select {
	case c := <-sub.Ch:
		if c.Table != "users" || c.Sequence != 100 || c.Kind != SnapshotApplied {
			t.Errorf("unexpected change %+v", c)
		}
		if c.Timestamp == 0 {
			t.Error("timestamp should be filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}

func TestNotifier_FilterByTablePrefix(t *testing.T) {
	n := NewNotifier(4)
	sub := n.Subscribe("s1", "order")

	n.Publish(Change{Kind: DeltaApplied, Table: "users", Sequence: 1})
	n.Publish(Change{Kind: DeltaApplied, Table: "order_items", Sequence: 2})

	select {
	case c := <-sub.Ch:
		if c.Table != "order_items" {
			t.Errorf("got change for %s", c.Table)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
	select {
	case c := <-sub.Ch:
		t.Errorf("unexpected extra change %+v", c)
	default:
	}
}

func TestNotifier_FullChannelDoesNotBlock(t *testing.T) {
	n := NewNotifier(1)
	sub := n.Subscribe("slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Publish(Change{Kind: DeltaApplied, Table: "t", Sequence: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(sub.Ch) != 1 {
		t.Errorf("buffer holds %d changes, want 1", len(sub.Ch))
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(1)
	sub := n.Subscribe("")
	if sub.ID == "" {
		t.Fatal("expected generated id")
	}
	n.Unsubscribe(sub.ID)
	if _, ok := <-sub.Ch; ok {
		t.Error("channel should be closed")
	}
	// Second unsubscribe is a no-op
	n.Unsubscribe(sub.ID)
}

func TestChangeKind_String(t *testing.T) {
	if SnapshotApplied.String() != "snapshot" || DeltaApplied.String() != "delta" || ChangeKind(99).String() != "unknown" {
		t.Error("unexpected kind names")
	}
}
