// Package mcpserver exposes pipelines, runs, agents and the shared
// architectural context as MCP tools.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/mtzanidakis/saat/internal/broker"
	"github.com/mtzanidakis/saat/internal/store"
)

const instructions = `saat orchestrates architecture analysis agents through named pipelines.
Use saat_list_pipelines to see what can run, saat_run_pipeline to execute one,
and saat_get_run to inspect a recorded run. saat_get_context shows the
architectural context accumulated by previous runs.`

// New builds an MCP server backed by b. s may be nil, in which case run
// history lookups fail.
func New(b *broker.Broker, s *store.Store, version string) *server.MCPServer {
	srv := server.NewMCPServer(
		"saat",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	listPipelines := NewListPipelinesTool(b)
	srv.AddTool(listPipelines.Definition(), listPipelines.Handle)

	runPipeline := NewRunPipelineTool(b)
	srv.AddTool(runPipeline.Definition(), runPipeline.Handle)

	getRun := NewGetRunTool(s)
	srv.AddTool(getRun.Definition(), getRun.Handle)

	listAgents := NewListAgentsTool(b)
	srv.AddTool(listAgents.Definition(), listAgents.Handle)

	validate := NewValidateTool(b)
	srv.AddTool(validate.Definition(), validate.Handle)

	getContext := NewGetContextTool(b)
	srv.AddTool(getContext.Definition(), getContext.Handle)

	return srv
}
