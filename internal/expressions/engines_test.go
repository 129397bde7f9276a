package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func TestExprEngine_IterationSource(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `filter(tickets, .priority == "high")`, map[string]any{
		"tickets": []any{
			map[string]any{"id": 1, "priority": "high"},
			map[string]any{"id": 2, "priority": "low"},
			map[string]any{"id": 3, "priority": "high"},
		},
	})
	require.NoError(t, err)
	items, ok := out.([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
}

func TestExprEngine_CompileErrorIsValidation(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `tickets |`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestGoJQEngine_ResultPath(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".tickets | length", map[string]any{
		"tickets": []any{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	// Multiple outputs collect into a slice.
	out, err = e.Evaluate(context.Background(), ".tickets[]", map[string]any{
		"tickets": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQEngine_ParseErrorIsValidation(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), ".[broken", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGoJQEngine_NormalizesIntegers(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": int64(41)})
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestCELEngine_MissingKeysDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(results) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}
