// gen-diagrams generates a sample diagram for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomworks/loom/internal/diagram"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/schema"
)

func main() {
	// Order workflow: fetch → check stock → payment or restock → approval → ship
	def := &schema.WorkflowDefinition{
		ID: "order_fulfilment",
		Steps: map[string]*schema.Step{
			"fetch_order": {ID: "fetch_order", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "http", Instruction: "fetch order {order_id}", Next: "check_stock",
			}},
			"check_stock": {ID: "check_stock", Type: schema.StepTypeCondition, Condition: &schema.ConditionSpec{
				Operator: schema.OpCountGreaterThan, Left: "{items}", Right: 0,
				TrueNext: "take_payment", FalseNext: "notify_restock",
			}},
			"take_payment": {ID: "take_payment", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "billing", Instruction: "charge order {order_id}", Next: "approval",
			}},
			"notify_restock": {ID: "notify_restock", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "email", Instruction: "notify restock for {order_id}", Next: "approval",
			}},
			"approval": {ID: "approval", Type: schema.StepTypeHuman, Human: &schema.HumanSpec{
				Prompt: "approve shipping for {order_id}?", BindTo: "approved", Next: "ship",
			}},
			"ship": {ID: "ship", Type: schema.StepTypeAction, Action: &schema.ActionSpec{
				Capability: "shell", Instruction: "ship {order_id}", Next: schema.End,
			}},
		},
	}

	plan, err := engine.Compile(def)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compile error: %v\n", err)
		os.Exit(1)
	}

	mermaid := diagram.RenderMermaid(diagram.FromPlan(plan, nil))

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)
	os.WriteFile(filepath.Join(outDir, "diagram-sample.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)

	fmt.Println(mermaid)
}
