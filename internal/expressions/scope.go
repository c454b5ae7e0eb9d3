package expressions

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// Scope holds the data visible to predicates and config placeholders during
// one execution:
//   - event:   trigger metadata (id, type, source, subject, received_at)
//   - payload: the sanitized event payload
//   - context: the full sanitized execution context
//   - outputs: results of completed actions keyed by action name
//
// Action outputs are frozen on insert and cannot be overwritten.
type Scope struct {
	mu      sync.RWMutex
	event   map[string]any
	payload map[string]any
	context map[string]any
	outputs map[string]any
}

// NewScope builds a scope for an execution from its validated context.
func NewScope(ev schema.Event, safe schema.SafeContext) *Scope {
	event := map[string]any{
		"id":      ev.ID,
		"type":    ev.Type,
		"source":  ev.Source,
		"subject": ev.Subject,
	}
	if !ev.ReceivedAt.IsZero() {
		event["received_at"] = ev.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}

	payload, _ := safe.Data["payload"].(map[string]any)
	return &Scope{
		event:   event,
		payload: deepCopyMap(payload),
		context: deepCopyMap(safe.Map()),
		outputs: make(map[string]any),
	}
}

// AddOutput registers the output of a completed action.
func (s *Scope) AddOutput(key string, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.outputs[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"output %q already registered; action outputs are immutable", key)
	}
	s.outputs[key] = deepCopyAny(output)
	return nil
}

// Outputs returns a copy of the registered action outputs.
func (s *Scope) Outputs() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.outputs)
}

// Data returns a snapshot suitable for expression evaluation.
func (s *Scope) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"event":   deepCopyMap(s.event),
		"payload": deepCopyMap(s.payload),
		"context": deepCopyMap(s.context),
		"outputs": deepCopyMap(s.outputs),
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			cp := make(json.RawMessage, len(val))
			copy(cp, val)
			return cp
		}
		return decoded
	default:
		return v
	}
}
