package roster

import (
	"testing"
	"time"
)

func TestUpsertAndOffline(t *testing.T) {
	tab := NewTable()
	tab.Upsert("alice", "Alice", "")

	f, ok := tab.Get("alice")
	if !ok || !f.Online || f.DisplayName != "Alice" {
		t.Fatalf("founder after upsert = %+v", f)
	}

	tab.MarkOffline("alice")
	f, _ = tab.Get("alice")
	if f.Online || f.OfflineSince.IsZero() {
		t.Fatalf("founder after offline = %+v", f)
	}

	// Offline again must not reset OfflineSince.
	first := f.OfflineSince
	tab.MarkOffline("alice")
	f, _ = tab.Get("alice")
	if !f.OfflineSince.Equal(first) {
		t.Fatal("OfflineSince changed on repeated offline")
	}
}

func TestPruneStale(t *testing.T) {
	tab := NewTable()
	tab.Upsert("alice", "Alice", "")
	tab.Upsert("bob", "Bob", "")
	tab.MarkOffline("bob")

	// Alice's heartbeat has expired, Bob's grace period has not.
	tab.PruneStale(time.Now().Add(time.Second), time.Now().Add(-time.Minute))
	if f, _ := tab.Get("alice"); f.Online {
		t.Fatal("alice should be offline after TTL expiry")
	}
	if _, ok := tab.Get("bob"); !ok {
		t.Fatal("bob removed before grace period expired")
	}

	// Now the grace period has passed for both.
	tab.PruneStale(time.Now().Add(time.Second), time.Now().Add(time.Second))
	if _, ok := tab.Get("alice"); ok {
		t.Fatal("alice not removed after grace period")
	}
}

func TestSubscribeDeliversUpdates(t *testing.T) {
	tab := NewTable()
	ch := tab.Subscribe()
	defer tab.Unsubscribe(ch)

	tab.Upsert("alice", "Alice", "")

	select {
	case ev := <-ch:
		if ev.Type != "update" || ev.UserID != "alice" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}
