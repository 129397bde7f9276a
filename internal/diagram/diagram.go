// Package diagram renders compiled workflow plans as Mermaid flowcharts,
// optionally overlaid with the live state of one run.
package diagram

import (
	"sort"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/schema"
)

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindAction   NodeKind = "action"
	NodeKindDecision NodeKind = "decision"
	NodeKindParallel NodeKind = "parallel"
	NodeKindLoop     NodeKind = "loop"
	NodeKindWait     NodeKind = "wait"
	NodeKindHuman    NodeKind = "human"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Model is the intermediate representation consumed by the renderer.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status string
}

// Edge is one transition between nodes.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool
}

// Node statuses used for the run overlay.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusRunning   = "running"
	statusSuspended = "suspended"
)

const (
	startNodeID = "__start"
	endNodeID   = "__end"
)

// FromPlan builds a diagram model from a compiled plan. When rc is non-nil
// the nodes carry the run's step statuses.
func FromPlan(plan *engine.Plan, rc *schema.RunContext) *Model {
	m := &Model{Title: plan.DefinitionID}

	m.Nodes = append(m.Nodes,
		&Node{ID: startNodeID, Label: "start", Kind: NodeKindStart},
		&Node{ID: endNodeID, Label: "end", Kind: NodeKindEnd},
	)
	m.Edges = append(m.Edges, Edge{From: startNodeID, To: plan.EntryID})

	ids := make([]string, 0, len(plan.Steps))
	for id := range plan.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		step := plan.Steps[id]
		m.Nodes = append(m.Nodes, &Node{
			ID:     id,
			Label:  nodeLabel(step),
			Kind:   nodeKind(step.Type),
			Status: stepStatus(rc, id),
		})
		m.Edges = append(m.Edges, stepEdges(step)...)
	}

	return m
}

func nodeLabel(step *schema.Step) string {
	if step.Name != "" {
		return step.Name
	}
	return step.ID
}

func nodeKind(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeCondition, schema.StepTypeSwitch:
		return NodeKindDecision
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeForEach:
		return NodeKindLoop
	case schema.StepTypeWait:
		return NodeKindWait
	case schema.StepTypeHuman:
		return NodeKindHuman
	default:
		return NodeKindAction
	}
}

// stepEdges returns the outgoing edges of one step, with branch labels for
// decisions and dashed edges for failure routes.
func stepEdges(step *schema.Step) []Edge {
	var edges []Edge
	add := func(to, label string, dashed bool) {
		if to == "" {
			to = schema.End
		}
		if to == schema.End {
			to = endNodeID
		}
		edges = append(edges, Edge{From: step.ID, To: to, Label: label, Dashed: dashed})
	}

	switch step.Type {
	case schema.StepTypeAction:
		add(step.Action.Next, "", false)
		if step.Action.OnFailure != "" {
			add(step.Action.OnFailure, "on failure", true)
		}
	case schema.StepTypeCondition:
		add(step.Condition.TrueNext, "true", false)
		add(step.Condition.FalseNext, "false", false)
	case schema.StepTypeSwitch:
		cases := make([]string, 0, len(step.Switch.Cases))
		for k := range step.Switch.Cases {
			cases = append(cases, k)
		}
		sort.Strings(cases)
		for _, k := range cases {
			add(step.Switch.Cases[k], k, false)
		}
		add(step.Switch.Default, "default", false)
	case schema.StepTypeParallel:
		for _, branch := range step.Parallel.Branches {
			add(branch, "branch", false)
		}
		add(step.Parallel.Join, "join", false)
	case schema.StepTypeForEach:
		add(step.ForEach.Body, "each", false)
		add(step.ForEach.Next, "", false)
		if step.ForEach.OnFailure != "" {
			add(step.ForEach.OnFailure, "on failure", true)
		}
	case schema.StepTypeWait:
		add(step.Wait.Next, "", false)
	case schema.StepTypeHuman:
		add(step.Human.Next, "", false)
		if step.Human.OnFailure != "" {
			add(step.Human.OnFailure, "on failure", true)
		}
	}
	return edges
}

// stepStatus derives the overlay status for a step from the run context.
func stepStatus(rc *schema.RunContext, stepID string) string {
	if rc == nil {
		return ""
	}
	if rc.PendingHuman != nil && rc.PendingHuman.StepID == stepID {
		return statusSuspended
	}
	if rc.PendingWait != nil && rc.PendingWait.StepID == stepID {
		return statusSuspended
	}
	if rc.Status == schema.RunStatusRunning && rc.CurrentStepID == stepID {
		return statusRunning
	}

	// The last history entry for a step wins; a retried step may have both
	// failed and completed entries.
	status := ""
	for _, h := range rc.History {
		if h.StepID != stepID {
			continue
		}
		switch h.Outcome {
		case schema.OutcomeCompleted:
			status = statusCompleted
		case schema.OutcomeFailed:
			status = statusFailed
		}
	}
	return status
}
