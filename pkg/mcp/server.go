package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sagacore/internal/approval"
	"github.com/rendis/sagacore/internal/engine"
	"github.com/rendis/sagacore/internal/eventbus"
	"github.com/rendis/sagacore/internal/validation"
)

// SagaServerDeps holds the dependencies for creating a SagaServer.
type SagaServerDeps struct {
	Orchestrator *engine.Orchestrator
	Gates        *approval.Manager
	Bus          *eventbus.Bus
	Validator    *validation.Validator
	Logger       *slog.Logger
}

// SagaServer exposes saga operations to agents as MCP tools.
type SagaServer struct {
	orch      *engine.Orchestrator
	gates     *approval.Manager
	bus       *eventbus.Bus
	validator *validation.Validator
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewSagaServer creates a new SagaServer with all tools registered.
func NewSagaServer(deps SagaServerDeps) *SagaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &SagaServer{
		orch:      deps.Orchestrator,
		gates:     deps.Gates,
		bus:       deps.Bus,
		validator: deps.Validator,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"sagacore",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("sagacore runs multi-step business sagas with compensation and human approval gates. Use saga.publish to emit a trigger event, saga.status to inspect an instance, saga.decide to approve or reject a pending gate, saga.query to list instances, approvals and definitions, and saga.diagram to visualize a saga."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *SagaServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SagaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent session registry.
func (s *SagaServer) Sessions() *SessionRegistry {
	return s.sessions
}

// Notifier returns a notifier pushing tenant notifications to agent sessions.
func (s *SagaServer) Notifier() *MCPNotifier {
	return NewMCPNotifier(s.mcpServer, s.sessions)
}

func (s *SagaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func publishTool() mcp.Tool {
	return mcp.NewTool("saga.publish",
		mcp.WithDescription("Publish a domain event that may trigger sagas"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant the event belongs to")),
		mcp.WithString("event_type", mcp.Required(), mcp.Description("Event type, e.g. order.placed")),
		mcp.WithObject("payload", mcp.Description("Event payload")),
		mcp.WithString("correlation_id", mcp.Description("Correlation ID (default: the event ID)")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the publishing agent")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("saga.status",
		mcp.WithDescription("Get a saga instance with its approval gates and audit log"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the saga instance")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("saga.decide",
		mcp.WithDescription("Approve or reject a pending approval gate"),
		mcp.WithString("gate_id", mcp.Required(), mcp.Description("ID of the approval gate")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approved", "rejected"),
			mcp.Description("Verdict for the gate"),
		),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the deciding agent, recorded as decided_by")),
		mcp.WithString("note", mcp.Description("Reason for the decision")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("saga.query",
		mcp.WithDescription("Query saga instances, approval gates, or definitions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("instances", "approvals", "definitions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (tenant_id, saga_name, instance_id, status, limit)")),
		mcp.WithString("agent_id", mcp.Description("ID of the querying agent; subscribes it to the tenant's approval notifications")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("saga.diagram",
		mcp.WithDescription("Generate a visual diagram of a saga. Returns ASCII art, Mermaid flowchart syntax, or a PNG image"),
		mcp.WithString("saga_name", mcp.Description("Registered saga name")),
		mcp.WithString("instance_id", mcp.Description("Saga instance to diagram with its runtime status")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (PNG)"),
		),
	)
}
