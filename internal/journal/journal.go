package journal

import (
	"context"
	"time"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // e.g., "signal", "plan", "order", "trade", "error"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}

// SignalEvent builds a journal event for a parsed or rejected signal.
func SignalEvent(description string, data map[string]any) Event {
	return Event{Time: time.Now(), Type: "signal", Description: description, Data: data}
}

// OrderEvent builds a journal event for an order lifecycle step.
func OrderEvent(description string, data map[string]any) Event {
	return Event{Time: time.Now(), Type: "order", Description: description, Data: data}
}

// TradeEvent builds a journal event for a trade state change.
func TradeEvent(description string, data map[string]any) Event {
	return Event{Time: time.Now(), Type: "trade", Description: description, Data: data}
}
