package expressions

import (
	"context"
	"reflect"
	"strings"

	"github.com/spf13/cast"

	"github.com/loomworks/loom/internal/resolve"
	"github.com/loomworks/loom/pkg/schema"
)

// ConditionEvaluator evaluates CONDITION specs against a run scope. The
// native operators coerce operands loosely (a numeric 3 equals the string
// "3"); the expression operator delegates to CEL.
type ConditionEvaluator struct {
	cel *CELEngine
}

// NewConditionEvaluator creates an evaluator backed by the given CEL engine.
func NewConditionEvaluator(cel *CELEngine) *ConditionEvaluator {
	return &ConditionEvaluator{cel: cel}
}

// Evaluate returns the boolean outcome of the condition. Resolution failures
// and non-boolean expression results are RESOLUTION errors; unknown operators
// are DEFINITION errors (the compiler should have rejected them).
func (ce *ConditionEvaluator) Evaluate(ctx context.Context, spec *schema.ConditionSpec, scope *resolve.Scope, runMeta map[string]any) (bool, error) {
	switch spec.Operator {
	case schema.OpEquals:
		left, right, err := ce.operands(spec, scope)
		if err != nil {
			return false, err
		}
		return looseEqual(left, right), nil

	case schema.OpNotEquals:
		left, right, err := ce.operands(spec, scope)
		if err != nil {
			return false, err
		}
		return !looseEqual(left, right), nil

	case schema.OpExists:
		val, err := resolve.ResolveValue(spec.Left, scope)
		if err != nil {
			if schema.CodeOf(err) == schema.ErrCodeResolution {
				return false, nil
			}
			return false, err
		}
		return val != nil, nil

	case schema.OpCountGreaterThan:
		left, err := resolve.ResolveValue(spec.Left, scope)
		if err != nil {
			return false, err
		}
		count, lenErr := collectionLen(left)
		if lenErr != nil {
			return false, lenErr.WithDetails(map[string]any{"left": spec.Left})
		}
		threshold, cerr := cast.ToIntE(spec.Right)
		if cerr != nil {
			return false, schema.NewErrorf(schema.ErrCodeResolution,
				"count_greater_than threshold %v is not an integer", spec.Right).WithCause(cerr)
		}
		return count > threshold, nil

	case schema.OpContains:
		left, right, err := ce.operands(spec, scope)
		if err != nil {
			return false, err
		}
		return contains(left, right)

	case schema.OpExpression:
		out, err := ce.cel.Evaluate(ctx, spec.Expression, map[string]any{
			"vars":    mergeLayers(scope.Defaults, scope.Vars),
			"results": scope.Results,
			"run":     runMeta,
		})
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeResolution,
				"condition expression %q evaluated to %T, want bool", spec.Expression, out)
		}
		return b, nil

	default:
		return false, schema.NewErrorf(schema.ErrCodeDefinition,
			"unknown condition operator %q", spec.Operator)
	}
}

func (ce *ConditionEvaluator) operands(spec *schema.ConditionSpec, scope *resolve.Scope) (any, any, error) {
	left, err := resolve.ResolveValue(spec.Left, scope)
	if err != nil {
		return nil, nil, err
	}
	right := spec.Right
	if s, ok := right.(string); ok {
		right, err = resolve.ResolveValue(s, scope)
		if err != nil {
			return nil, nil, err
		}
	}
	return left, right, nil
}

// looseEqual compares operands after string coercion so a numeric step result
// matches its textual form in the definition. Uncoercible values fall back to
// deep equality.
func looseEqual(left, right any) bool {
	ls, lerr := cast.ToStringE(left)
	rs, rerr := cast.ToStringE(right)
	if lerr == nil && rerr == nil {
		return ls == rs
	}
	return reflect.DeepEqual(left, right)
}

func collectionLen(val any) (int, *schema.Error) {
	switch v := val.(type) {
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	case string:
		return len(v), nil
	case nil:
		return 0, nil
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return 0, schema.NewErrorf(schema.ErrCodeResolution,
		"count_greater_than operand is not countable (type %T)", val)
}

func contains(left, right any) (bool, error) {
	switch v := left.(type) {
	case string:
		needle, err := cast.ToStringE(right)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeResolution,
				"contains needle is not a string (type %T)", right).WithCause(err)
		}
		return strings.Contains(v, needle), nil
	case []any:
		for _, item := range v {
			if looseEqual(item, right) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, err := cast.ToStringE(right)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeResolution,
				"contains key is not a string (type %T)", right).WithCause(err)
		}
		_, ok := v[key]
		return ok, nil
	}
	rv := reflect.ValueOf(left)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if looseEqual(rv.Index(i).Interface(), right) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeResolution,
		"contains operand is not a string, list, or object (type %T)", left)
}

func mergeLayers(defaults, vars map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(vars))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}
