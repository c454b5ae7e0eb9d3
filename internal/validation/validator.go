package validation

import "github.com/rendis/hookflow/pkg/schema"

// Validator checks workflow definitions before registration and event
// payloads against a workflow's input schema.
type Validator interface {
	ValidateDefinition(wf *schema.Workflow) error
	ValidateInput(input map[string]any, inputSchema map[string]any) error
}

// ActionLookup reports whether an action type is registered.
type ActionLookup interface {
	Has(name string) bool
}

// PredicateChecker compiles a predicate without evaluating it.
type PredicateChecker interface {
	Check(language, expression string) error
}
