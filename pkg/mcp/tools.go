package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/loom/internal/diagram"
	"github.com/loomworks/loom/pkg/schema"
)

// handleDefine validates and registers a workflow definition.
func (s *LoomServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	doc, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	def, err := s.validator.DecodeDefinition(doc)
	if err != nil {
		return toolError("define failed", err), nil
	}

	if err := s.engine.RegisterDefinition(ctx, def); err != nil {
		return toolError("define failed", err), nil
	}

	return marshalResult(map[string]any{
		"id":    def.ID,
		"steps": len(def.Steps),
	})
}

// handleList returns summaries of all registered definitions.
func (s *LoomServer) handleList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs, err := s.engine.ListDefinitions(ctx)
	if err != nil {
		return toolError("list failed", err), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

// handleRun starts a run, optionally blocking until it settles.
func (s *LoomServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	variables := mcp.ParseStringMap(req, "variables", nil)

	runID, err := s.engine.StartRun(ctx, definitionID, variables)
	if err != nil {
		return toolError("run failed to start", err), nil
	}

	if req.GetBool("await", false) {
		rc, err := s.engine.Await(ctx, runID)
		if err != nil {
			return toolError("await failed", err), nil
		}
		return marshalResult(runView(rc))
	}

	return marshalResult(map[string]any{
		"run_id": runID,
		"status": string(schema.RunStatusRunning),
	})
}

// handleStatus returns a run's checkpointed state.
func (s *LoomServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	rc, err := s.engine.Status(ctx, runID)
	if err != nil {
		return toolError("status query failed", err), nil
	}

	view := runView(rc)
	if req.GetBool("include_events", false) {
		events, err := s.engine.Events(ctx, runID, 0)
		if err != nil {
			return toolError("event query failed", err), nil
		}
		view["events"] = events
	}
	return marshalResult(view)
}

// handleRespond delivers a human decision to a suspended run.
func (s *LoomServer) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	value, ok := req.GetArguments()["value"]
	if !ok {
		return mcp.NewToolResultError("value is required"), nil
	}

	err = s.engine.DeliverHumanResponse(ctx, schema.HumanResponse{
		RunID:  runID,
		StepID: stepID,
		Value:  value,
	})
	if err != nil {
		return toolError("respond failed", err), nil
	}

	return marshalResult(map[string]any{
		"ok":      true,
		"run_id":  runID,
		"step_id": stepID,
	})
}

// handleEvent delivers an external event to a parked run.
func (s *LoomServer) handleEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	err = s.engine.DeliverEvent(ctx, schema.ExternalEvent{
		RunID:   runID,
		Name:    name,
		Payload: payload,
	})
	if err != nil {
		return toolError("event delivery failed", err), nil
	}

	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"event":  name,
	})
}

// handleCancel cancels a run.
func (s *LoomServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if err := s.engine.Cancel(ctx, runID); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleDiagram renders a definition or a run as a Mermaid flowchart.
func (s *LoomServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID := req.GetString("definition_id", "")
	runID := req.GetString("run_id", "")
	if definitionID == "" && runID == "" {
		return mcp.NewToolResultError("one of definition_id or run_id is required"), nil
	}

	var rc *schema.RunContext
	if runID != "" {
		loaded, err := s.engine.Status(ctx, runID)
		if err != nil {
			return toolError("run lookup failed", err), nil
		}
		rc = loaded
		definitionID = rc.DefinitionID
	}

	plan, err := s.plans.Get(ctx, definitionID)
	if err != nil {
		return toolError("definition lookup failed", err), nil
	}

	return mcp.NewToolResultText(diagram.RenderMermaid(diagram.FromPlan(plan, rc))), nil
}

// --- helpers ---

// runView shapes a run context for tool output.
func runView(rc *schema.RunContext) map[string]any {
	view := map[string]any{
		"run_id":          rc.RunID,
		"definition_id":   rc.DefinitionID,
		"status":          string(rc.Status),
		"current_step_id": rc.CurrentStepID,
		"variables":       rc.Variables,
		"step_results":    rc.StepResults,
		"created_at":      rc.CreatedAt,
		"updated_at":      rc.UpdatedAt,
	}
	if rc.PendingHuman != nil {
		view["pending_human"] = rc.PendingHuman
	}
	if rc.PendingWait != nil {
		view["pending_wait"] = rc.PendingWait
	}
	if rc.LastError != "" {
		view["last_error"] = rc.LastError
	}
	return view
}

// toolError shapes an engine error for tool output. Structured errors already
// carry their code in the message.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
