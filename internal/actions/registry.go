package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// ConfigValidator validates a resolved action config against the action's
// input schema.
type ConfigValidator interface {
	ValidateInput(input map[string]any, inputSchema map[string]any) error
}

type entry struct {
	action      Action
	inputSchema map[string]any
}

// Registry is the concrete thread-safe action registry. It implements Executor.
type Registry struct {
	mu        sync.RWMutex
	actions   map[string]entry
	validator ConfigValidator
}

// NewRegistry creates an empty Registry. When validator is non-nil, configs
// are checked against each action's input schema before execution.
func NewRegistry(validator ConfigValidator) *Registry {
	return &Registry{
		actions:   make(map[string]entry),
		validator: validator,
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	e := entry{action: action}
	if raw := action.Schema().InputSchema; len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.inputSchema); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %q has an invalid input schema", name).WithCause(err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.actions[name] = e
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	return e.action, nil
}

func (r *Registry) get(name string) (entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.actions[name]
	if !ok {
		return entry{}, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return e, nil
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for name, e := range r.actions {
		infos = append(infos, ActionInfo{
			Name:        name,
			Description: e.action.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// Execute resolves actionType and runs it. Lookup and config errors are
// terminal; errors returned by the action keep their classification, and
// unclassified ones are treated as terminal.
func (r *Registry) Execute(ctx context.Context, actionType string, config map[string]any, sc schema.SafeContext) (*Result, error) {
	e, err := r.get(actionType)
	if err != nil {
		return nil, Terminal(err)
	}
	if config == nil {
		config = map[string]any{}
	}
	if err := e.action.Validate(config); err != nil {
		return nil, Terminal(err)
	}
	if r.validator != nil && e.inputSchema != nil {
		if err := r.validator.ValidateInput(config, e.inputSchema); err != nil {
			return nil, Terminal(err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, Terminal(schema.NewError(schema.ErrCodeCancelled, "context done before action start").WithCause(err))
	}

	start := time.Now()
	res, err := e.action.Execute(ctx, ActionInput{Config: config, Context: sc})
	if err != nil {
		var ae *ActionError
		if !errors.As(err, &ae) {
			err = Terminal(err)
		}
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	res.Duration = time.Since(start)
	return res, nil
}

var _ Executor = (*Registry)(nil)
