package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/schema"
)

func compile(t *testing.T, def *schema.WorkflowDefinition) *engine.Plan {
	t.Helper()
	plan, err := engine.Compile(def)
	require.NoError(t, err)
	return plan
}

func triageDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "triage",
		Steps: map[string]*schema.Step{
			"classify": {ID: "classify", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "triage", Instruction: "classify", Next: "check", OnFailure: "ask",
			}},
			"check": {ID: "check", Type: schema.StepTypeCondition, Condition: &schema.ConditionSpec{
				Operator: schema.OpExists, Left: "{classify}", TrueNext: "ask", FalseNext: schema.End,
			}},
			"ask": {ID: "ask", Type: schema.StepTypeHuman, Human: &schema.HumanSpec{
				Prompt: "escalate?", Next: schema.End,
			}},
		},
	}
}

func TestRenderMermaid_Flowchart(t *testing.T) {
	out := RenderMermaid(FromPlan(compile(t, triageDef()), nil))

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% triage")
	assert.Contains(t, out, `classify["classify"]`)
	assert.Contains(t, out, `check{"check"}`)
	assert.Contains(t, out, `ask{{"ask"}}`)
	assert.Contains(t, out, "__start --> classify")
	assert.Contains(t, out, "check -->|true| ask")
	assert.Contains(t, out, "check -->|false| __end")
	assert.Contains(t, out, "classify -.->|on failure| ask")
}

func TestRenderMermaid_ParallelAndLoopShapes(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "fanout",
		Steps: map[string]*schema.Step{
			"split": {ID: "split", Type: schema.StepTypeParallel, Parallel: &schema.ParallelSpec{
				Branches: []string{"a", "b"}, Join: "each",
			}},
			"a": {ID: "a", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "c", Instruction: "a", Next: schema.End,
			}},
			"b": {ID: "b", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "c", Instruction: "b", Next: schema.End,
			}},
			"each": {ID: "each", Type: schema.StepTypeForEach, ForEach: &schema.ForEachSpec{
				Source: "{items}", ItemVar: "item", Body: "body", Next: schema.End,
			}},
			"body": {ID: "body", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "c", Instruction: "body {item}", Next: schema.End,
			}},
		},
	}
	out := RenderMermaid(FromPlan(compile(t, def), nil))

	assert.Contains(t, out, `split[["split"]]`)
	assert.Contains(t, out, `each[["each"]]`)
	assert.Contains(t, out, "split -->|branch| a")
	assert.Contains(t, out, "split -->|branch| b")
	assert.Contains(t, out, "split -->|join| each")
	assert.Contains(t, out, "each -->|each| body")
}

func TestRenderMermaid_RunOverlay(t *testing.T) {
	plan := compile(t, triageDef())

	rc := schema.NewRunContext("run-1", "triage", "classify", nil)
	rc.Status = schema.RunStatusWaitingOnHuman
	rc.History = []schema.HistoryEntry{
		{StepID: "classify", Outcome: schema.OutcomeFailed},
		{StepID: "classify", Outcome: schema.OutcomeCompleted},
		{StepID: "check", Outcome: schema.OutcomeCompleted},
	}
	rc.PendingHuman = &schema.PendingHuman{StepID: "ask"}

	out := RenderMermaid(FromPlan(plan, rc))

	// The retried step shows its final outcome.
	assert.Contains(t, out, "class classify completed")
	assert.Contains(t, out, "class check completed")
	assert.Contains(t, out, "class ask suspended")
}

func TestRenderMermaid_SwitchCaseLabels(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "routes",
		Steps: map[string]*schema.Step{
			"route": {ID: "route", Type: schema.StepTypeSwitch, Switch: &schema.SwitchSpec{
				Key:     "{kind}",
				Cases:   map[string]string{"bug": "fix"},
				Default: schema.End,
			}},
			"fix": {ID: "fix", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "c", Instruction: "fix", Next: schema.End,
			}},
		},
	}
	out := RenderMermaid(FromPlan(compile(t, def), nil))

	assert.Contains(t, out, "route -->|bug| fix")
	assert.Contains(t, out, "route -->|default| __end")
}
