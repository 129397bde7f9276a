// Package mcp exposes the workflow engine to agents over the Model Context
// Protocol: definition management, run control, human decisions, and
// diagrams, all as MCP tools on a stdio transport.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/human"
	"github.com/loomworks/loom/internal/validation"
)

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Engine *engine.Engine
	Plans  engine.PlanSource
	Humans human.Channel
	Logger *slog.Logger
}

// LoomServer wraps an MCP server with workflow tool handlers.
type LoomServer struct {
	engine    *engine.Engine
	plans     engine.PlanSource
	humans    human.Channel
	validator *validation.Validator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewLoomServer creates a LoomServer with all tools registered.
func NewLoomServer(deps LoomServerDeps) (*LoomServer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	v, err := validation.NewValidator()
	if err != nil {
		return nil, err
	}

	s := &LoomServer{
		engine:    deps.Engine,
		plans:     deps.Plans,
		humans:    deps.Humans,
		validator: v,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom is a durable workflow engine for agent-driven automations. Use loom.define to register a workflow, loom.run to start one, loom.status to inspect a run, loom.respond to answer a pending human decision, loom.event to deliver an awaited event, loom.cancel to stop a run, and loom.diagram to visualize a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ForwardInterrupts relays interrupt requests from suspended runs to every
// connected client as MCP notifications, until ctx is cancelled. Best-effort:
// a run never blocks on a notification.
func (s *LoomServer) ForwardInterrupts(ctx context.Context) error {
	sub, cancel, err := s.humans.Subscribe(ctx, human.Filter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-sub:
			if !ok {
				return nil
			}
			s.mcpServer.SendNotificationToAllClients("notifications/message", map[string]any{
				"kind":         "human_decision_requested",
				"interrupt_id": req.InterruptID,
				"run_id":       req.RunID,
				"step_id":      req.StepID,
				"prompt":       req.Prompt,
				"options":      req.Options,
				"deadline":     req.Deadline,
			})
		}
	}
}

func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: eventTool(), Handler: s.handleEvent},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("loom.define",
		mcp.WithDescription("Register a workflow definition. Re-registering an existing id replaces it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition document")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("loom.list",
		mcp.WithDescription("List registered workflow definitions with their triggers"),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("loom.run",
		mcp.WithDescription("Start a run of a registered workflow definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the definition to run")),
		mcp.WithObject("variables", mcp.Description("Run variables overlaying the definition's declared defaults")),
		mcp.WithBoolean("await", mcp.Description("Block until the run settles (terminal, suspended on a human decision, or parked on an event)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("loom.status",
		mcp.WithDescription("Get the current state of a run, including any pending human decision"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
		mcp.WithBoolean("include_events", mcp.Description("Include the run's event log")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("loom.respond",
		mcp.WithDescription("Deliver a human decision to a run suspended on a HUMAN step. The run and step must match the pending interrupt exactly"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the suspended run")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the HUMAN step being answered")),
		mcp.WithString("value", mcp.Required(), mcp.Description("The decision value")),
	)
}

func eventTool() mcp.Tool {
	return mcp.NewTool("loom.event",
		mcp.WithDescription("Deliver a named external event to a run parked on an event WAIT"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the parked run")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Event name; must match the awaited event")),
		mcp.WithObject("payload", mcp.Description("Optional payload recorded as the WAIT step's result")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("loom.cancel",
		mcp.WithDescription("Cancel a run. Active runs stop at the next step boundary"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("loom.diagram",
		mcp.WithDescription("Render a workflow as a Mermaid flowchart. With run_id the nodes carry the run's live step statuses"),
		mcp.WithString("definition_id", mcp.Description("Definition to render")),
		mcp.WithString("run_id", mcp.Description("Run to render with status overlay")),
	)
}
