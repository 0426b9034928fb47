package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/tasks"
	"github.com/rendis/stepflow/pkg/schema"
)

// PlanExecutor runs plan definitions. Satisfied by *engine.Executor.
type PlanExecutor interface {
	Execute(ctx context.Context, def *schema.PlanDefinition, params map[string]any) (*engine.ExecutionResult, error)
	Cancel(runID string) error
}

// PlanChecker validates plan definitions before they are stored or run.
// Satisfied by *validation.PlanValidator.
type PlanChecker interface {
	Validate(def *schema.PlanDefinition) *schema.ValidationResult
}

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
type StepflowServerDeps struct {
	Executor  PlanExecutor
	Store     store.Store
	Registry  tasks.TaskRegistry
	Validator PlanChecker
	Logger    *slog.Logger
}

// StepflowServer wraps an MCP server with stepflow-specific tool handlers.
type StepflowServer struct {
	executor  PlanExecutor
	store     store.Store
	registry  tasks.TaskRegistry
	validator PlanChecker
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a new StepflowServer with all 5 tools registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		executor:  deps.Executor,
		store:     deps.Store,
		registry:  deps.Registry,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow is a dependency-graph plan execution engine. Use stepflow.run to execute a plan, stepflow.status to inspect a run, stepflow.define to register a reusable plan, stepflow.query to list plans/runs/events/tasks, and stepflow.cancel to stop a running plan."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Execute a plan, either a registered one by name or an inline definition"),
		mcp.WithString("plan", mcp.Description("Name of a registered plan to execute")),
		mcp.WithObject("definition", mcp.Description("Inline plan definition object (alternative to 'plan')")),
		mcp.WithObject("params", mcp.Description("Run parameters, available to input references and conditions")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get run status, per-step states and the published context"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("stepflow.define",
		mcp.WithDescription("Validate and register a reusable plan definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Plan definition object")),
		mcp.WithString("description", mcp.Description("Plan description")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stepflow.query",
		mcp.WithDescription("Query plans, runs, events, or registered tasks"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("plans", "runs", "events", "tasks"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, plan_name, since, limit, event_type, run_id, step_id, name)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a running plan; in-flight steps are interrupted and the run ends CANCELLED"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}
