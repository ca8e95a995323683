package synchub

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"trailengine/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(sub *Subscription, n int) []types.TrailEvent {
	events := make([]types.TrailEvent, 0, n)
	for len(events) < n {
		select {
		case ev := <-sub.Events:
			events = append(events, ev)
		case <-time.After(time.Second):
			return events
		}
	}
	return events
}

func TestBroadcastDeliversInOrder(t *testing.T) {
	hub := New(16)
	sub := hub.Subscribe("trail-1", "ada")
	defer hub.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		hub.Broadcast(types.TrailEvent{
			Type:     types.EventStepAdded,
			TrailID:  "trail-1",
			Version:  int64(i + 2),
			Explorer: "bob",
		})
	}

	// First event is ada's own join announcement.
	events := drain(sub, 6)
	if len(events) != 6 {
		t.Fatalf("received %d events, want 6", len(events))
	}
	if events[0].Type != types.EventExplorerJoined {
		t.Errorf("first event = %s, want %s", events[0].Type, types.EventExplorerJoined)
	}
	for i, ev := range events[1:] {
		if ev.Version != int64(i+2) {
			t.Errorf("event %d has version %d, want %d (per-trail FIFO broken)", i, ev.Version, i+2)
		}
	}
}

func TestBroadcastIsolatedPerTrail(t *testing.T) {
	hub := New(16)
	sub := hub.Subscribe("trail-1", "ada")
	defer hub.Unsubscribe(sub)

	hub.Broadcast(types.TrailEvent{Type: types.EventStepAdded, TrailID: "trail-2"})

	events := drain(sub, 1) // join event only
	for _, ev := range events {
		if ev.TrailID != "trail-1" {
			t.Errorf("received event for trail %s", ev.TrailID)
		}
	}
	select {
	case ev := <-sub.Events:
		t.Errorf("unexpected cross-trail event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	hub := New(4)
	sub := hub.Subscribe("trail-1", "ada")
	defer hub.Unsubscribe(sub)

	// Nobody reads: join event plus 9 broadcasts into a 4-slot buffer.
	for i := 0; i < 9; i++ {
		hub.Broadcast(types.TrailEvent{
			Type:    types.EventStepAdded,
			TrailID: "trail-1",
			Version: int64(i),
		})
	}

	events := drain(sub, 4)
	if len(events) != 4 {
		t.Fatalf("received %d events, want the 4 newest", len(events))
	}
	// Oldest events were discarded; the newest survive in order.
	for i, ev := range events {
		if want := int64(5 + i); ev.Version != want {
			t.Errorf("event %d has version %d, want %d", i, ev.Version, want)
		}
	}
	if hub.Dropped() == 0 {
		t.Error("drop counter not incremented")
	}
}

func TestExplorersPresence(t *testing.T) {
	hub := New(16)
	ada := hub.Subscribe("trail-1", "ada")
	bob := hub.Subscribe("trail-1", "bob")
	bob2 := hub.Subscribe("trail-1", "bob") // second session, same explorer

	got := hub.Explorers("trail-1")
	want := []string{"ada", "bob"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Explorers = %v, want %v", got, want)
	}

	hub.Unsubscribe(bob)
	hub.Unsubscribe(bob2)
	if got := hub.Explorers("trail-1"); fmt.Sprint(got) != "[ada]" {
		t.Errorf("Explorers after bob left = %v, want [ada]", got)
	}

	hub.Unsubscribe(ada)
	if n := hub.SubscriberCount("trail-1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestUnsubscribeClosesChannelAndAnnounces(t *testing.T) {
	hub := New(16)
	watcher := hub.Subscribe("trail-1", "ada")
	defer hub.Unsubscribe(watcher)
	leaver := hub.Subscribe("trail-1", "bob")

	hub.Unsubscribe(leaver)
	if _, open := <-leaver.Events; open {
		// The join events may still be buffered; drain until closed.
		for range leaver.Events {
		}
	}

	// Watcher sees: own join, bob's join, bob's leave.
	events := drain(watcher, 3)
	if len(events) != 3 || events[2].Type != types.EventExplorerLeft || events[2].Explorer != "bob" {
		t.Errorf("watcher events = %+v, want ExplorerLeft(bob) last", events)
	}

	// Double unsubscribe is a no-op.
	hub.Unsubscribe(leaver)
}
