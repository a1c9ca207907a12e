package domain

import "time"

// Event types for WebSocket notifications
const (
	EventServerUpdate = "server_update"
	EventLabelChanged = "label_changed"
	EventVerification = "verification"
)

// Event represents a real-time event for WebSocket broadcast
type Event struct {
	Type      string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// LabelChangedEvent is sent after the status channel has been renamed
type LabelChangedEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// VerificationEvent is sent when a verify command reaches a terminal state
type VerificationEvent struct {
	GuildID       string `json:"guild_id"`
	UserID        string `json:"user_id"`
	Claimed       string `json:"claimed"`
	CanonicalName string `json:"canonical_name,omitempty"`
	Outcome       string `json:"outcome"`
}

// Publish sends an event without blocking; the event is dropped if the
// channel is nil or full.
func Publish(ch chan<- Event, event Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- event:
	default:
		// Channel full, drop event
	}
}
