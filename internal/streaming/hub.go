// Package streaming fans out execution and action events to subscribers.
package streaming

import (
	"context"
	"time"
)

// StreamEvent is a notification emitted while workflows execute.
type StreamEvent struct {
	Type        string    `json:"type"`
	Workflow    string    `json:"workflow,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Action      string    `json:"action,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Time        time.Time `json:"time"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	Workflow    string   `json:"workflow,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
