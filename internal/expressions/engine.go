package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/hookflow/pkg/schema"
)

// Engine evaluates predicate and transform expressions.
// Three implementations: CEL (default predicates), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Evaluator dispatches expressions to the engine for their language.
// It is safe for concurrent use.
type Evaluator struct {
	engines map[string]Engine
}

// NewEvaluator creates an Evaluator with the CEL, Expr and GoJQ engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{engines: map[string]Engine{
		schema.LanguageCEL:  celEngine,
		schema.LanguageExpr: NewExprEngine(),
		schema.LanguageJQ:   NewGoJQEngine(),
	}}, nil
}

// Engine returns the engine for language; empty selects CEL.
func (e *Evaluator) Engine(language string) (Engine, error) {
	if language == "" {
		language = schema.LanguageCEL
	}
	eng, ok := e.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown expression language %q", language)
	}
	return eng, nil
}

// Check compiles expression without evaluating it.
func (e *Evaluator) Check(language, expression string) error {
	eng, err := e.Engine(language)
	if err != nil {
		return err
	}
	return eng.Compile(expression)
}

// Evaluate runs expression against data.
func (e *Evaluator) Evaluate(ctx context.Context, language, expression string, data map[string]any) (any, error) {
	eng, err := e.Engine(language)
	if err != nil {
		return nil, err
	}
	return eng.Evaluate(ctx, expression, data)
}

// EvalBool evaluates a predicate. CEL and Expr predicates must yield a
// boolean; jq predicates follow jq truthiness (anything but null and false).
func (e *Evaluator) EvalBool(ctx context.Context, language, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, language, expression, data)
	if err != nil {
		return false, err
	}
	if language == schema.LanguageJQ {
		b, isBool := out.(bool)
		return out != nil && (!isBool || b), nil
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"predicate %q returned %s, expected bool", expression, typeName(out))
	}
	return b, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
