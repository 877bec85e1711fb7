// Package mcp exposes the execution engine as MCP tools over stdio, so
// agents can define workflows, run them, and watch their state.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/graphrun/internal/engine"
	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/internal/validation"
)

// ServerDeps holds the dependencies for creating a GraphrunServer.
type ServerDeps struct {
	Controller *engine.Controller
	Store      store.Store
	Validator  *validation.Validator
	Logger     *slog.Logger
}

// GraphrunServer wraps an MCP server with graphrun tool handlers.
type GraphrunServer struct {
	controller *engine.Controller
	store      store.Store
	validator  *validation.Validator
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewGraphrunServer creates a new GraphrunServer with all tools registered.
func NewGraphrunServer(deps ServerDeps) *GraphrunServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &GraphrunServer{
		controller: deps.Controller,
		store:      deps.Store,
		validator:  deps.Validator,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"graphrun",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Graphrun drives a remote node-graph compute backend. Use graphrun.define to register a workflow, graphrun.run to execute the loaded workflow, graphrun.status to inspect execution state, graphrun.cancel to interrupt, graphrun.params to read or edit parameters, and graphrun.query to browse the workflow library, execution history, and event log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *GraphrunServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *GraphrunServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *GraphrunServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: paramsTool(), Handler: s.handleParams},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("graphrun.define",
		mcp.WithDescription("Register a workflow definition in the library after validating it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object: id, name, template, parameters, default_values")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("graphrun.run",
		mcp.WithDescription("Execute a workflow. Loads it from the library when workflow_id is given, otherwise runs the currently loaded workflow"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow to load before executing")),
		mcp.WithObject("params", mcp.Description("Parameter overrides applied before execution")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("graphrun.status",
		mcp.WithDescription("Get the current execution state: status, execution id, progress, outputs, error"),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("graphrun.cancel",
		mcp.WithDescription("Cancel the in-flight execution. A no-op when nothing is executing"),
	)
}

func paramsTool() mcp.Tool {
	return mcp.NewTool("graphrun.params",
		mcp.WithDescription("Read or edit the loaded workflow's parameters"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("get", "set", "reset"),
			mcp.Description("get returns the current values, set applies a patch, reset restores defaults"),
		),
		mcp.WithObject("values", mcp.Description("Parameter patch for the set action")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("graphrun.query",
		mcp.WithDescription("Query the workflow library, execution history, or event log"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, execution_id, since, limit)")),
	)
}
