// Package expressions hosts the expression engines behind step evaluation:
// CEL for condition expressions, expr-lang for iteration sources, and gojq
// for reshaping agent payloads.
package expressions

import "context"

// Engine evaluates an expression against a flattened run scope.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
