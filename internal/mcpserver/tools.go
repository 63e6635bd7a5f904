package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mtzanidakis/saat/internal/broker"
	"github.com/mtzanidakis/saat/internal/store"
)

// ListPipelinesTool handles saat_list_pipelines.
type ListPipelinesTool struct {
	broker *broker.Broker
}

func NewListPipelinesTool(b *broker.Broker) *ListPipelinesTool {
	return &ListPipelinesTool{broker: b}
}

func (t *ListPipelinesTool) Definition() mcp.Tool {
	return mcp.NewTool("saat_list_pipelines",
		mcp.WithDescription("List the registered pipelines with their steps and agents."),
	)
}

func (t *ListPipelinesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelines := t.broker.Pipelines()
	if len(pipelines) == 0 {
		return mcp.NewToolResultText("No pipelines registered."), nil
	}

	var sb strings.Builder
	sb.WriteString("## Pipelines\n")
	for _, p := range pipelines {
		fmt.Fprintf(&sb, "\n### %s", p.Name)
		if p.Version != "" {
			fmt.Fprintf(&sb, " (v%s)", p.Version)
		}
		sb.WriteString("\n")
		if p.Description != "" {
			sb.WriteString(p.Description + "\n")
		}
		for _, s := range p.Steps {
			required := ""
			if s.Required {
				required = ", required"
			}
			fmt.Fprintf(&sb, "- %s: %s/%s%s\n", s.Name, s.Agent, s.Task, required)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// RunPipelineTool handles saat_run_pipeline.
type RunPipelineTool struct {
	broker *broker.Broker
}

func NewRunPipelineTool(b *broker.Broker) *RunPipelineTool {
	return &RunPipelineTool{broker: b}
}

func (t *RunPipelineTool) Definition() mcp.Tool {
	return mcp.NewTool("saat_run_pipeline",
		mcp.WithDescription("Execute a pipeline and return its result as JSON."),
		mcp.WithString("pipeline",
			mcp.Required(),
			mcp.Description("Name of the pipeline to run"),
		),
		mcp.WithString("params",
			mcp.Description(`Pipeline parameters as a JSON object, e.g. {"path": "/src"}`),
		),
	)
}

func (t *RunPipelineTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("pipeline")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	params, err := objectArg(req, "params")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := t.broker.ExecutePipeline(ctx, name, params)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

// GetRunTool handles saat_get_run.
type GetRunTool struct {
	store *store.Store
}

func NewGetRunTool(s *store.Store) *GetRunTool {
	return &GetRunTool{store: s}
}

func (t *GetRunTool) Definition() mcp.Tool {
	return mcp.NewTool("saat_get_run",
		mcp.WithDescription("Fetch a recorded pipeline run, including per-step outcomes."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Run ID as returned by saat_run_pipeline"),
		),
	)
}

func (t *GetRunTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if t.store == nil {
		return mcp.NewToolResultError("run history is not available"), nil
	}

	run, err := t.store.GetRun(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get run: %v", err)), nil
	}
	if run == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %s not found", id)), nil
	}
	return jsonResult(run)
}

// ListAgentsTool handles saat_list_agents.
type ListAgentsTool struct {
	broker *broker.Broker
}

func NewListAgentsTool(b *broker.Broker) *ListAgentsTool {
	return &ListAgentsTool{broker: b}
}

func (t *ListAgentsTool) Definition() mcp.Tool {
	return mcp.NewTool("saat_list_agents",
		mcp.WithDescription("List registered agents with version and capabilities."),
	)
}

func (t *ListAgentsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agents := t.broker.Agents()
	if len(agents) == 0 {
		return mcp.NewToolResultText("No agents registered."), nil
	}

	var sb strings.Builder
	sb.WriteString("## Agents\n\n")
	for _, a := range agents {
		fmt.Fprintf(&sb, "- **%s** v%s", a.Name(), a.Version())
		if caps := a.Capabilities(); len(caps) > 0 {
			fmt.Fprintf(&sb, ": %s", strings.Join(caps, ", "))
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ValidateTool handles saat_validate.
type ValidateTool struct {
	broker *broker.Broker
}

func NewValidateTool(b *broker.Broker) *ValidateTool {
	return &ValidateTool{broker: b}
}

func (t *ValidateTool) Definition() mcp.Tool {
	return mcp.NewTool("saat_validate",
		mcp.WithDescription("Run an agent's input validation without executing it."),
		mcp.WithString("agent",
			mcp.Required(),
			mcp.Description("Agent name"),
		),
		mcp.WithString("input",
			mcp.Description("Input to validate as a JSON object"),
		),
	)
}

func (t *ValidateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("agent")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	input, err := objectArg(req, "input")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if input == nil {
		input = map[string]any{}
	}

	vr, err := t.broker.Validate(name, input)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(vr)
}

// GetContextTool handles saat_get_context.
type GetContextTool struct {
	broker *broker.Broker
}

func NewGetContextTool(b *broker.Broker) *GetContextTool {
	return &GetContextTool{broker: b}
}

func (t *GetContextTool) Definition() mcp.Tool {
	return mcp.NewTool("saat_get_context",
		mcp.WithDescription("Show the architectural context. With an agent name, shows that agent's projection including its relevant memory."),
		mcp.WithString("agent",
			mcp.Description("Agent whose view to show"),
		),
	)
}

func (t *GetContextTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("agent", "")
	if name == "" {
		return jsonResult(t.broker.Context().Snapshot())
	}
	return jsonResult(map[string]any{
		"global": t.broker.Context().Relevant(name),
		"memory": t.broker.Memory().Relevant(name),
	})
}

// objectArg decodes a JSON-object argument. The value may arrive either
// as an encoded string or as an already decoded object.
func objectArg(req mcp.CallToolRequest, key string) (map[string]any, error) {
	switch v := req.GetArguments()[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("%s must be a JSON object: %w", key, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a JSON object", key)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
