// Package trigger selects the workflows an incoming event should start.
package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/pkg/schema"
)

// WorkflowRef identifies a matched workflow. Workflow is the registered
// snapshot and must not be mutated.
type WorkflowRef struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Version  int              `json:"version"`
	Workflow *schema.Workflow `json:"-"`
}

// Schedule is a cron trigger of a registered workflow.
type Schedule struct {
	Workflow string
	Spec     string
}

type entry struct {
	wf         *schema.Workflow
	conditions []schema.TriggerCondition
}

// snapshot is immutable once published.
type snapshot struct {
	byName  map[string]*entry
	byEvent map[string][]*entry // sorted by workflow name
}

// Matcher evaluates trigger conditions against events. Match is lock-free
// and safe for concurrent callers; Set and Remove publish a new snapshot.
type Matcher struct {
	evaluator *expressions.Evaluator
	logger    *slog.Logger

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// NewMatcher creates an empty matcher.
func NewMatcher(evaluator *expressions.Evaluator, logger *slog.Logger) *Matcher {
	m := &Matcher{evaluator: evaluator, logger: logging.OrDiscard(logger)}
	m.snap.Store(&snapshot{byName: map[string]*entry{}, byEvent: map[string][]*entry{}})
	return m
}

// Set registers or replaces wf. Every predicate is compiled first; an error
// leaves the current set untouched.
func (m *Matcher) Set(wf *schema.Workflow) error {
	if wf == nil || wf.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	for i, tc := range wf.Triggers {
		for _, c := range tc.Match {
			if _, err := expressions.CompilePath(c.Path); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "triggers[%d]: %s", i, err.Error()).WithCause(err)
			}
		}
		if tc.Condition == "" {
			continue
		}
		if err := m.evaluator.Check(tc.Language, tc.Condition); err != nil {
			return schema.NewErrorf(schema.ErrCodeExpression, "triggers[%d].condition: %s", i, err.Error()).WithCause(err)
		}
	}

	e := &entry{wf: wf, conditions: append([]schema.TriggerCondition(nil), wf.Triggers...)}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.publish(func(byName map[string]*entry) { byName[wf.Name] = e })
	return nil
}

// Remove drops the workflow called name. It reports whether it was present.
func (m *Matcher) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snap.Load().byName[name]; !ok {
		return false
	}
	m.publish(func(byName map[string]*entry) { delete(byName, name) })
	return true
}

func (m *Matcher) publish(mutate func(map[string]*entry)) {
	cur := m.snap.Load()
	byName := make(map[string]*entry, len(cur.byName)+1)
	for k, v := range cur.byName {
		byName[k] = v
	}
	mutate(byName)

	byEvent := make(map[string][]*entry)
	for _, e := range byName {
		seen := map[string]bool{}
		for _, tc := range e.conditions {
			if !seen[tc.EventType] {
				seen[tc.EventType] = true
				byEvent[tc.EventType] = append(byEvent[tc.EventType], e)
			}
		}
	}
	for _, list := range byEvent {
		sort.Slice(list, func(i, j int) bool { return list[i].wf.Name < list[j].wf.Name })
	}
	m.snap.Store(&snapshot{byName: byName, byEvent: byEvent})
}

// Len returns the number of registered workflows.
func (m *Matcher) Len() int {
	return len(m.snap.Load().byName)
}

// Match returns the active workflows whose triggers accept ev, sorted by
// name. A workflow matches when any condition with the event's type has all
// match clauses and its predicate true. When ev.Workflow is set only that
// workflow is considered.
func (m *Matcher) Match(ctx context.Context, ev schema.Event) []WorkflowRef {
	snap := m.snap.Load()

	candidates := snap.byEvent[ev.Type]
	if ev.Workflow != "" {
		e, ok := snap.byName[ev.Workflow]
		if !ok {
			return nil
		}
		candidates = []*entry{e}
	}
	if len(candidates) == 0 {
		return nil
	}

	data := expressions.NewScope(ev, schema.SafeContext{Data: map[string]any{"payload": ev.Payload}}).Data()
	payload := data["payload"]

	var refs []WorkflowRef
	for _, e := range candidates {
		if !e.wf.IsActive() {
			continue
		}
		if m.matches(ctx, e, ev.Type, payload, data) {
			refs = append(refs, WorkflowRef{ID: e.wf.ID, Name: e.wf.Name, Version: e.wf.Version, Workflow: e.wf})
		}
	}
	return refs
}

func (m *Matcher) matches(ctx context.Context, e *entry, eventType string, payload any, data map[string]any) bool {
	for _, tc := range e.conditions {
		if tc.EventType != eventType {
			continue
		}
		if !clausesHold(tc.Match, payload) {
			continue
		}
		if tc.Condition == "" {
			return true
		}
		ok, err := m.evaluator.EvalBool(ctx, tc.Language, tc.Condition, data)
		if err != nil {
			m.logger.WarnContext(ctx, "trigger predicate failed, treating as no match",
				"workflow", e.wf.Name, "event_type", eventType, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// Schedules lists the cron triggers of all active workflows.
func (m *Matcher) Schedules() []Schedule {
	snap := m.snap.Load()
	var out []Schedule
	for _, e := range snap.byEvent[schema.EventTypeSchedule] {
		if !e.wf.IsActive() {
			continue
		}
		for _, tc := range e.conditions {
			if tc.EventType == schema.EventTypeSchedule && tc.Schedule != "" {
				out = append(out, Schedule{Workflow: e.wf.Name, Spec: tc.Schedule})
			}
		}
	}
	return out
}

// clausesHold evaluates the conjunction of clauses against payload.
func clausesHold(clauses []schema.MatchClause, payload any) bool {
	for _, c := range clauses {
		v, found, err := expressions.Lookup(payload, c.Path)
		if err != nil {
			return false
		}
		if c.Exists != nil {
			if found != *c.Exists {
				return false
			}
			if !found {
				continue
			}
		} else if !found {
			return false
		}
		if c.Equals != nil && !valuesEqual(v, c.Equals) {
			return false
		}
	}
	return true
}

// valuesEqual compares JSON-like values, treating all numeric types alike.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
