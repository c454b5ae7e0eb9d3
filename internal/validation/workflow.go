package validation

import "github.com/rendis/hookflow/pkg/schema"

// WorkflowValidator runs the definition pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (order indexes, action types, predicates, durations, schedules)
// 3. Input schema compilation
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	predicates PredicateChecker
}

// NewWorkflowValidator creates a WorkflowValidator. lookup and predicates may
// be nil to skip the corresponding checks.
func NewWorkflowValidator(lookup ActionLookup, predicates PredicateChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    lookup,
		predicates: predicates,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, wf)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(wf, wv.actions, wv.predicates))

	if err := wv.jsonSchema.CompileInputSchema(wf.InputSchema); err != nil {
		result.AddError("input_schema", schema.ErrCodeValidation, "input schema does not compile: "+err.Error())
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(wf)
	if err == nil {
		return result
	}

	schemaErr, ok := err.(*schema.Error)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := schemaErr.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, schemaErr.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
