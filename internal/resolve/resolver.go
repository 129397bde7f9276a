// Package resolve implements pure {name} placeholder resolution against the
// layered run scope: step results shadow run variables, which shadow the
// definition's declared defaults.
package resolve

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// Scope holds the data layers consulted during resolution, most specific
// first. Extra is an optional innermost layer for iteration-local bindings
// (item variables, index).
type Scope struct {
	Extra    map[string]any
	Results  map[string]any
	Vars     map[string]any
	Defaults map[string]any
}

// ScopeFrom builds a resolution scope from a run context and definition
// defaults.
func ScopeFrom(rc *schema.RunContext, defaults map[string]any) *Scope {
	return &Scope{
		Results:  rc.StepResults,
		Vars:     rc.Variables,
		Defaults: defaults,
	}
}

// WithExtra returns a copy of the scope with an additional innermost layer.
func (s *Scope) WithExtra(extra map[string]any) *Scope {
	cp := *s
	cp.Extra = extra
	return &cp
}

// Lookup returns the value bound to name, searching layers innermost-out.
func (s *Scope) Lookup(name string) (any, bool) {
	for _, layer := range []map[string]any{s.Extra, s.Results, s.Vars, s.Defaults} {
		if layer == nil {
			continue
		}
		if val, ok := layer[name]; ok {
			return val, true
		}
	}
	return nil, false
}

// Flatten merges all layers into a single map, innermost layer winning.
// Used as the evaluation environment for expression engines.
func (s *Scope) Flatten() map[string]any {
	out := make(map[string]any)
	for _, layer := range []map[string]any{s.Defaults, s.Vars, s.Results, s.Extra} {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// ResolveValue resolves a template against the scope. A template that is
// exactly one {name} placeholder returns the bound value with its type
// preserved; any other template is resolved as a string via ResolveString.
// Resolution is pure and idempotent: resolved output contains no
// placeholders, so resolving it again is the identity.
func ResolveValue(template string, scope *Scope) (any, error) {
	if name, ok := solePlaceholder(template); ok {
		val, found := scope.Lookup(name)
		if !found {
			return nil, unresolvedErr(name, template)
		}
		return val, nil
	}
	return ResolveString(template, scope)
}

// ResolveString substitutes every {name} placeholder in the template with
// the stringified bound value. An unresolved placeholder is an error; the
// caller's retry policy decides whether to try again.
func ResolveString(template string, scope *Scope) (string, error) {
	if !strings.ContainsRune(template, '{') {
		return template, nil
	}

	var b strings.Builder
	b.Grow(len(template))

	i := 0
	for i < len(template) {
		open := strings.IndexByte(template[i:], '{')
		if open == -1 {
			b.WriteString(template[i:])
			break
		}
		b.WriteString(template[i : i+open])
		start := i + open + 1

		close := strings.IndexByte(template[start:], '}')
		if close == -1 {
			return "", schema.NewErrorf(schema.ErrCodeResolution,
				"unclosed placeholder in %q", template)
		}
		close += start

		name := strings.TrimSpace(template[start:close])
		if name == "" {
			return "", schema.NewErrorf(schema.ErrCodeResolution,
				"empty placeholder in %q", template)
		}

		val, found := scope.Lookup(name)
		if !found {
			return "", unresolvedErr(name, template)
		}
		b.WriteString(stringify(val))

		i = close + 1
	}

	return b.String(), nil
}

// solePlaceholder reports whether the template is exactly "{name}" and
// returns the name.
func solePlaceholder(template string) (string, bool) {
	if len(template) < 3 || template[0] != '{' || template[len(template)-1] != '}' {
		return "", false
	}
	inner := template[1 : len(template)-1]
	if strings.ContainsAny(inner, "{}") {
		return "", false
	}
	name := strings.TrimSpace(inner)
	if name == "" {
		return "", false
	}
	return name, true
}

// stringify converts a resolved value into its inline string form. Complex
// values are JSON-encoded so they survive embedding in instructions.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func unresolvedErr(name, template string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeResolution,
		"unresolved placeholder {%s} in %q", name, template).
		WithDetails(map[string]any{"name": name, "template": template})
}
