// Package synchub fans trail events out to live subscribers. Each
// subscriber gets a bounded buffered channel; a slow consumer loses its
// oldest undelivered events rather than blocking writers or other
// subscribers. Events for a single trail are delivered in the order they
// were broadcast.
package synchub

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trailengine/internal/logging"
	"trailengine/internal/types"
)

// Subscription is one explorer's live feed for one trail.
type Subscription struct {
	ID       string
	TrailID  string
	Explorer string
	Events   <-chan types.TrailEvent

	events chan types.TrailEvent
}

// Hub routes trail events to subscribers.
type Hub struct {
	mu      sync.Mutex
	buffer  int
	byTrail map[string]map[string]*Subscription

	dropped uint64
}

// New creates a hub. buffer is the per-subscriber channel capacity.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer:  buffer,
		byTrail: make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers an explorer on a trail and announces their presence
// to existing subscribers.
func (h *Hub) Subscribe(trailID, explorer string) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		TrailID:  trailID,
		Explorer: explorer,
		events:   make(chan types.TrailEvent, h.buffer),
	}
	sub.Events = sub.events

	h.mu.Lock()
	subs, ok := h.byTrail[trailID]
	if !ok {
		subs = make(map[string]*Subscription)
		h.byTrail[trailID] = subs
	}
	subs[sub.ID] = sub
	h.mu.Unlock()

	logging.SyncDebug("Subscribe trail=%s explorer=%s sub=%s", trailID, explorer, sub.ID)
	h.Broadcast(types.TrailEvent{
		Type:     types.EventExplorerJoined,
		TrailID:  trailID,
		Explorer: explorer,
	})
	return sub
}

// Unsubscribe removes a subscription, closes its channel, and announces the
// departure. Unknown ids are a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	subs := h.byTrail[sub.TrailID]
	_, present := subs[sub.ID]
	if present {
		delete(subs, sub.ID)
		close(sub.events)
		if len(subs) == 0 {
			delete(h.byTrail, sub.TrailID)
		}
	}
	h.mu.Unlock()

	if !present {
		return
	}
	logging.SyncDebug("Unsubscribe trail=%s explorer=%s sub=%s", sub.TrailID, sub.Explorer, sub.ID)
	h.Broadcast(types.TrailEvent{
		Type:     types.EventExplorerLeft,
		TrailID:  sub.TrailID,
		Explorer: sub.Explorer,
	})
}

// Broadcast delivers an event to every subscriber of its trail. Delivery is
// non-blocking: when a subscriber's buffer is full the oldest buffered
// event is discarded to make room, so laggards see recent history rather
// than stalling the trail.
func (h *Hub) Broadcast(event types.TrailEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.byTrail[event.TrailID] {
		for {
			select {
			case sub.events <- event:
			default:
				select {
				case <-sub.events:
					h.dropped++
				default:
				}
				continue
			}
			break
		}
	}
}

// Explorers returns the distinct explorers currently subscribed to a trail,
// sorted for stable output.
func (h *Hub) Explorers(trailID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]bool)
	for _, sub := range h.byTrail[trailID] {
		seen[sub.Explorer] = true
	}
	explorers := make([]string, 0, len(seen))
	for e := range seen {
		explorers = append(explorers, e)
	}
	sort.Strings(explorers)
	return explorers
}

// SubscriberCount reports active subscriptions for a trail.
func (h *Hub) SubscriberCount(trailID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byTrail[trailID])
}

// Dropped reports how many events were discarded due to slow consumers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
