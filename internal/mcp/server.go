package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/runforge/internal/guardrail"
	"github.com/ppiankov/runforge/internal/supervisor"
)

// Config holds MCP server configuration.
type Config struct {
	AuditPath string
	Version   string
}

// Server exposes the orchestrator as MCP tools over stdio. Agents submit
// remediation tasks, dry-run guardrail checks, and resolve approvals through
// the same supervisor the HTTP API uses.
type Server struct {
	sup      *supervisor.Supervisor
	enforcer *guardrail.Enforcer
	cfg      Config

	mcpServer *mcpsdk.Server
}

// New creates an MCP server wired to the supervisor and guardrail enforcer.
func New(sup *supervisor.Supervisor, enforcer *guardrail.Enforcer, cfg Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}

	s := &Server{
		sup:      sup,
		enforcer: enforcer,
		cfg:      cfg,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "runforge",
			Version: version,
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all runforge tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "runforge_remediate",
		Description: "Submit a remediation task. The workflow runs until it completes, fails, or parks waiting for approval; the resulting workflow state is returned.",
	}, s.handleRemediate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "runforge_status",
		Description: "Fetch the current state of a workflow by id, or list all workflows when no id is given.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "runforge_check",
		Description: "Check whether an action would be authorized by the guardrail without executing it (dry-run). Consumes no rate limit budget.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "runforge_approve",
		Description: "Approve a pending approval request. The suspended step resumes and the workflow continues.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "runforge_deny",
		Description: "Deny a pending approval request. The suspended step is marked denied and never runs.",
	}, s.handleDeny)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "runforge_pending",
		Description: "List all pending approval requests.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "runforge_audit",
		Description: "Query the audit trail, optionally filtered by workflow id, and verify the hash chain.",
	}, s.handleAudit)
}
