package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func testScope() *Scope {
	return &Scope{
		Results: map[string]any{
			"fetch":  map[string]any{"count": 3},
			"name":   "from-results",
			"amount": 42,
		},
		Vars: map[string]any{
			"name":   "from-vars",
			"region": "emea",
		},
		Defaults: map[string]any{
			"region": "global",
			"limit":  10,
		},
	}
}

func TestResolveString_Substitution(t *testing.T) {
	out, err := ResolveString("review {amount} items in {region}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "review 42 items in emea", out)
}

func TestResolveString_LayerPrecedence(t *testing.T) {
	scope := testScope()

	// Step results shadow run variables.
	out, err := ResolveString("{name}", scope)
	require.NoError(t, err)
	assert.Equal(t, "from-results", out)

	// Run variables shadow defaults.
	out, err = ResolveString("{region}", scope)
	require.NoError(t, err)
	assert.Equal(t, "emea", out)

	// Defaults are the fallback layer.
	out, err = ResolveString("{limit}", scope)
	require.NoError(t, err)
	assert.Equal(t, "10", out)
}

func TestResolveString_ExtraLayerWins(t *testing.T) {
	scope := testScope().WithExtra(map[string]any{"name": "item-7"})
	out, err := ResolveString("{name}", scope)
	require.NoError(t, err)
	assert.Equal(t, "item-7", out)
}

func TestResolveString_Unresolved(t *testing.T) {
	_, err := ResolveString("hello {missing}", testScope())
	require.Error(t, err)
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeResolution, se.Code)
}

func TestResolveString_Unclosed(t *testing.T) {
	_, err := ResolveString("hello {missing", testScope())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeResolution, schema.CodeOf(err))
}

func TestResolveString_NoPlaceholders(t *testing.T) {
	out, err := ResolveString("plain text", testScope())
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestResolveValue_SinglePlaceholderKeepsType(t *testing.T) {
	val, err := ResolveValue("{fetch}", testScope())
	require.NoError(t, err)
	m, ok := val.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, m["count"])

	val, err = ResolveValue("{amount}", testScope())
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestResolveValue_MixedTemplateStringifies(t *testing.T) {
	val, err := ResolveValue("count={amount}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "count=42", val)

	// Embedded complex values are JSON-encoded.
	val, err = ResolveValue("data: {fetch}", testScope())
	require.NoError(t, err)
	assert.Equal(t, `data: {"count":3}`, val)
}

func TestResolve_Idempotent(t *testing.T) {
	scope := testScope()
	first, err := ResolveString("review {amount} in {region}", scope)
	require.NoError(t, err)
	second, err := ResolveString(first, scope)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestScope_Flatten(t *testing.T) {
	flat := testScope().WithExtra(map[string]any{"item": "x"}).Flatten()
	assert.Equal(t, "from-results", flat["name"])
	assert.Equal(t, "emea", flat["region"])
	assert.Equal(t, 10, flat["limit"])
	assert.Equal(t, "x", flat["item"])
}
