// Package validation checks raw workflow documents against the workflow JSON
// Schema before they reach the compiler. Schema validation catches shape
// problems; the compiler catches graph problems.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomworks.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    },
    "variables": { "type": "object" },
    "steps": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "trigger": {
      "type": "object",
      "properties": {
        "phrase": { "type": "string" },
        "cron": { "type": "string" }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["action", "condition", "switch", "parallel", "for_each", "wait", "human"]
        },
        "name": { "type": "string" },
        "action": { "$ref": "#/$defs/action" },
        "condition": { "$ref": "#/$defs/condition" },
        "switch": { "$ref": "#/$defs/switch" },
        "parallel": { "$ref": "#/$defs/parallel" },
        "for_each": { "$ref": "#/$defs/for_each" },
        "wait": { "$ref": "#/$defs/wait" },
        "human": { "$ref": "#/$defs/human" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["capability", "instruction", "next"],
      "properties": {
        "capability": { "type": "string", "minLength": 1 },
        "instruction": { "type": "string", "minLength": 1 },
        "result_path": { "type": "string" },
        "critical": { "type": "boolean" },
        "retry": { "$ref": "#/$defs/retry" },
        "next": { "type": "string" },
        "on_failure": { "type": "string" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["operator", "true_next", "false_next"],
      "properties": {
        "operator": {
          "type": "string",
          "enum": ["equals", "not_equals", "exists", "count_greater_than", "contains", "expression"]
        },
        "left": { "type": "string" },
        "right": {},
        "expression": { "type": "string" },
        "true_next": { "type": "string" },
        "false_next": { "type": "string" }
      },
      "additionalProperties": false
    },
    "switch": {
      "type": "object",
      "required": ["key", "cases"],
      "properties": {
        "key": { "type": "string", "minLength": 1 },
        "cases": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "default": { "type": "string" }
      },
      "additionalProperties": false
    },
    "parallel": {
      "type": "object",
      "required": ["branches", "join"],
      "properties": {
        "branches": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string" }
        },
        "best_effort": {
          "type": "array",
          "items": { "type": "string" }
        },
        "join": { "type": "string" }
      },
      "additionalProperties": false
    },
    "for_each": {
      "type": "object",
      "required": ["item_var", "body", "next"],
      "properties": {
        "source": { "type": "string" },
        "source_expr": { "type": "string" },
        "item_var": { "type": "string", "minLength": 1 },
        "body": { "type": "string", "minLength": 1 },
        "critical": { "type": "boolean" },
        "retry": { "$ref": "#/$defs/retry" },
        "next": { "type": "string" },
        "on_failure": { "type": "string" }
      },
      "additionalProperties": false
    },
    "wait": {
      "type": "object",
      "required": ["next"],
      "properties": {
        "duration": { "$ref": "#/$defs/duration" },
        "event": { "type": "string" },
        "next": { "type": "string" }
      },
      "additionalProperties": false
    },
    "human": {
      "type": "object",
      "required": ["prompt", "next"],
      "properties": {
        "prompt": { "type": "string", "minLength": 1 },
        "options": {
          "type": "array",
          "items": { "type": "string" }
        },
        "bind_to": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" },
        "critical": { "type": "boolean" },
        "next": { "type": "string" },
        "on_failure": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "base_delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// Validator validates workflow documents against the embedded JSON Schema.
// Safe for concurrent use.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// NewValidator creates a Validator with the workflow schema pre-compiled.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://loomworks.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	compiled, err := c.Compile("https://loomworks.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Validator{workflowSchema: compiled}, nil
}

// DecodeDefinition validates a raw workflow document and unmarshals it.
// Every error carries the VALIDATION_ERROR code with violation details.
func (v *Validator) DecodeDefinition(raw []byte) (*schema.WorkflowDefinition, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is not valid JSON").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return nil, toValidationError(err)
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow document").WithCause(err)
	}
	if err := checkStepKeys(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateDefinition validates an already-decoded definition by round-tripping
// it through JSON.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return checkStepKeys(def)
}

// checkStepKeys enforces what the JSON Schema cannot: each map key must equal
// its step's declared ID.
func checkStepKeys(def *schema.WorkflowDefinition) error {
	for key, step := range def.Steps {
		if step == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q is null", key)
		}
		if step.ID != key {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step key %q does not match step id %q", key, step.ID)
		}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a structured
// error with one message per violation.
func toValidationError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks the ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
