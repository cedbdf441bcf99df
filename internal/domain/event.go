package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventVettingRequested  EventType = "tool.vetting.requested"
	EventVettingResolved   EventType = "tool.vetting.resolved"
	EventTurnCompleted     EventType = "turn.completed"

	EventProviderStarted EventType = "provider.started"
	EventProviderFailed  EventType = "provider.failed"
	EventProviderStopped EventType = "provider.stopped"
	EventFleetReconciled EventType = "fleet.reconciled"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	TurnID    string          `json:"turn_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ToolCallPayload is carried by tool.call.* events.
type ToolCallPayload struct {
	CallID   string     `json:"call_id"`
	Provider string     `json:"provider,omitempty"`
	Tool     string     `json:"tool"`
	Result   ResultKind `json:"result,omitempty"`
}

// VettingPayload is carried by tool.vetting.* events.
type VettingPayload struct {
	BatchID  string   `json:"batch_id"`
	CallIDs  []string `json:"call_ids"`
	Approved []string `json:"approved,omitempty"`
}

// ProviderPayload is carried by provider.* events.
type ProviderPayload struct {
	Provider string `json:"provider"`
	Tools    int    `json:"tools,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReconcilePayload is carried by fleet.reconciled events.
type ReconcilePayload struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Restarted []string `json:"restarted,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// TurnPayload is carried by turn.completed events.
type TurnPayload struct {
	Rounds        int  `json:"rounds"`
	LimitExceeded bool `json:"limit_exceeded"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// PublishEvent marshals payload and publishes it on bus. A nil bus is a no-op.
func PublishEvent(ctx context.Context, bus EventBus, eventType EventType, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, Event{
		Type:      eventType,
		Timestamp: time.Now(),
		TurnID:    TurnIDFromContext(ctx),
		Payload:   raw,
	})
}
