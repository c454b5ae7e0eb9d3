package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

// notificationMethod is the MCP method used for execution updates.
const notificationMethod = "notifications/message"

// EventExecutionFinished is pushed once a watched run reached its final
// status, after every retry.
const EventExecutionFinished = "execution_finished"

// clientSender delivers a notification to one MCP session.
type clientSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Subscriber is the event source the notifier listens to.
type Subscriber interface {
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error)
}

// Notifier pushes execution progress to the sessions watching it.
type Notifier struct {
	sender   clientSender
	sessions *SessionRegistry
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewNotifier creates a notifier that pushes through sender.
func NewNotifier(sender clientSender, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, sessions: sessions, logger: logging.OrDiscard(logger)}
}

// progressEvents are relayed while a run is in flight. Terminal statuses are
// reported by Track instead, since a failed attempt may still be retried.
var progressEvents = []string{
	schema.EventExecutionStarted,
	schema.EventExecutionRetrying,
	schema.EventActionFailed,
	schema.EventActionIgnored,
}

// Run relays progress events from src until ctx is cancelled or the
// subscription closes.
func (n *Notifier) Run(ctx context.Context, src Subscriber) error {
	ch, cancel, err := src.Subscribe(ctx, streaming.EventFilter{EventTypes: progressEvents})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			n.Notify(ev)
		}
	}
}

// Notify pushes ev to the session watching its execution. Best-effort: an
// unwatched execution or a vanished session is not an error.
func (n *Notifier) Notify(ev streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return
	}
	if ev.Type == schema.EventExecutionRetrying {
		if next := payloadString(ev, "next_execution_id"); next != "" {
			n.sessions.Watch(next, sessionID)
		}
		n.sessions.Forget(ev.ExecutionID)
	}
	n.send(sessionID, ev)
}

// Track watches h on behalf of sessionID and pushes its final record once
// the run is done. It returns immediately; Wait blocks until every tracked
// run was reported or ctx ended.
func (n *Notifier) Track(ctx context.Context, h *engine.ExecutionHandle, sessionID string) {
	info := h.Info()
	n.sessions.Watch(info.ID, sessionID)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-ctx.Done():
			for _, id := range h.Attempts() {
				n.sessions.Forget(id)
			}
			return
		case <-h.Done():
		}

		for _, id := range h.Attempts() {
			n.sessions.Forget(id)
		}
		final, ok := h.Result()
		if !ok {
			return
		}
		at := final.CreatedAt
		if final.CompletedAt != nil {
			at = *final.CompletedAt
		}
		n.send(sessionID, streaming.StreamEvent{
			Type:        EventExecutionFinished,
			Workflow:    final.WorkflowName,
			ExecutionID: final.ID,
			Payload: map[string]any{
				"correlation_id": final.ExecutionID,
				"status":         string(final.Status),
				"retry_count":    final.RetryCount,
				"error_code":     final.ErrorCode,
			},
			Time: at,
		})
	}()
}

// Wait blocks until every Track goroutine returned.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) send(sessionID string, ev streaming.StreamEvent) {
	err := n.sender.SendNotificationToSpecificClient(sessionID, notificationMethod, map[string]any{
		"level":  levelFor(ev),
		"logger": "hookflow",
		"data":   ev,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("mcp notification failed", "session", sessionID, "execution_id", ev.ExecutionID, "error", err)
	}
}

func levelFor(ev streaming.StreamEvent) string {
	switch ev.Type {
	case schema.EventActionFailed:
		return "error"
	case schema.EventExecutionRetrying, schema.EventActionIgnored:
		return "warning"
	case EventExecutionFinished:
		if payloadString(ev, "status") != string(schema.ExecutionStatusCompleted) {
			return "error"
		}
	}
	return "info"
}

// payloadString reads a string field of a map payload.
func payloadString(ev streaming.StreamEvent, key string) string {
	payload, _ := ev.Payload.(map[string]any)
	s, _ := payload[key].(string)
	return s
}
