package types

import "time"

// EventType enumerates trail-change events fanned out by the sync hub.
type EventType string

const (
	EventStepAdded      EventType = "step_added"
	EventForkCreated    EventType = "fork_created"
	EventMergeCompleted EventType = "merge_completed"
	EventExplorerJoined EventType = "explorer_joined"
	EventExplorerLeft   EventType = "explorer_left"
)

// TrailEvent is one entry on a subscriber's event stream. Events for a single
// trail are delivered to each subscriber in broadcast order (per-trail FIFO);
// nothing is guaranteed across trails.
type TrailEvent struct {
	Type      EventType  `json:"type"`
	TrailID   string     `json:"trail_id"`
	Explorer  string     `json:"explorer,omitempty"`
	Version   int64      `json:"version,omitempty"`
	Step      *TrailStep `json:"step,omitempty"`
	ForkID    string     `json:"fork_id,omitempty"`
	MergeID   string     `json:"merge_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
