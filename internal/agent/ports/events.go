package ports

import "time"

// EventType labels a loop event.
type EventType string

const (
	EventStateChange      EventType = "state_change"
	EventPlanning         EventType = "planning"
	EventToolStart        EventType = "tool_start"
	EventToolEnd          EventType = "tool_end"
	EventCacheHit         EventType = "cache_hit"
	EventApprovalRequired EventType = "approval_required"
	EventApprovalResolved EventType = "approval_resolved"
	EventDenied           EventType = "denied"
	EventCheckpoint       EventType = "checkpoint"
	EventBudget           EventType = "budget"
	EventDone             EventType = "done"
)

// Event is a progress notification emitted while a task runs, consumed by
// CLI rendering and the console server.
type Event struct {
	Type    EventType `json:"type"`
	TaskID  string    `json:"task_id"`
	Step    int       `json:"step"`
	State   string    `json:"state,omitempty"`
	Tool    string    `json:"tool,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// EventCallback consumes loop events. Callbacks run on the loop goroutine and
// must return quickly.
type EventCallback func(event Event)
