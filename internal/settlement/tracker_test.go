package settlement

import (
	"testing"
	"time"
)

func TestAckDeliversOnSecondFlip(t *testing.T) {
	tracker := NewTracker()
	tracker.Open("commit-1", "market-1", "buyer", "seller")

	delivered, ok := tracker.Ack("commit-1")
	if !ok {
		t.Fatal("first ack should find the entry")
	}
	if delivered {
		t.Fatal("first ack should not deliver")
	}

	delivered, ok = tracker.Ack("commit-1")
	if !ok {
		t.Fatal("second ack should find the entry")
	}
	if !delivered {
		t.Fatal("second ack should deliver")
	}

	if tracker.Len() != 0 {
		t.Fatalf("expected empty tracker, got %d entries", tracker.Len())
	}
}

func TestAckAfterDeliveryIsStale(t *testing.T) {
	tracker := NewTracker()
	tracker.Open("commit-1", "market-1", "buyer", "seller")

	tracker.Ack("commit-1")
	tracker.Ack("commit-1")

	delivered, ok := tracker.Ack("commit-1")
	if ok || delivered {
		t.Fatal("ack after delivery should be stale")
	}
}

func TestAckUnknownCommit(t *testing.T) {
	tracker := NewTracker()

	if _, ok := tracker.Ack("nope"); ok {
		t.Fatal("unknown commit id should not be found")
	}
}

func TestReopenResetsHandshake(t *testing.T) {
	tracker := NewTracker()
	tracker.Open("commit-1", "market-1", "buyer", "seller")
	tracker.Ack("commit-1")

	// Market replays the settlement: the half-done handshake starts over.
	tracker.Open("commit-1", "market-1", "buyer", "seller")

	delivered, ok := tracker.Ack("commit-1")
	if !ok || delivered {
		t.Fatal("first ack after reopen should not deliver")
	}
	delivered, ok = tracker.Ack("commit-1")
	if !ok || !delivered {
		t.Fatal("second ack after reopen should deliver")
	}
}

func TestDropPartyPopsBothSides(t *testing.T) {
	tracker := NewTracker()
	tracker.Open("c1", "m", "alice", "bob")
	tracker.Open("c2", "m", "bob", "carol")
	tracker.Open("c3", "m", "carol", "dave")

	dropped := tracker.DropParty("bob")
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped entries, got %d", len(dropped))
	}
	if tracker.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", tracker.Len())
	}
	if _, ok := tracker.Ack("c3"); !ok {
		t.Fatal("unrelated entry should survive DropParty")
	}
}

func TestExpirePopsOnlyStaleEntries(t *testing.T) {
	tracker := NewTracker()

	current := time.Now()
	tracker.now = func() time.Time { return current }

	tracker.Open("old", "m", "alice", "bob")
	current = current.Add(10 * time.Minute)
	tracker.Open("fresh", "m", "carol", "dave")

	expired := tracker.Expire(5 * time.Minute)
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired entry, got %d", len(expired))
	}
	if expired[0].CommitID != "old" {
		t.Fatalf("expected commit 'old' to expire, got %s", expired[0].CommitID)
	}
	if tracker.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", tracker.Len())
	}
}
