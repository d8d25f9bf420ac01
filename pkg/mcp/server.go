// Copyright 2026 © The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp exposes the orchestrator operations as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/dispatch"
	"github.com/jllopis/relay/pkg/monitor"
	"github.com/jllopis/relay/pkg/orchestrator"
	"github.com/jllopis/relay/pkg/workflow"
)

// Backend is the set of operations published as tools.
type Backend interface {
	Orchestrate(ctx context.Context, prompt string, prefs orchestrator.Preferences) (*orchestrator.Response, error)
	OrchestrateWorkflow(ctx context.Context, name, input string, initial map[string]any, ov orchestrator.Overrides) (*orchestrator.WorkflowResponse, error)
	OrchestrateParallel(ctx context.Context, prompt string, agents []string, mode, role string) (*dispatch.Result, error)
	ListWorkflows() []workflow.Summary
	ListAgents() []orchestrator.AgentInfo
	GetCapabilities(task string, req agent.Requirements) []agent.Recommendation
	GetProcessStats() monitor.Stats
}

type toolHandler func(ctx context.Context, args map[string]any) (*mcpgo.CallToolResult, error)

// Server wraps the mcp-go server with the relay tool set.
type Server struct {
	mcpServer *mcpserver.MCPServer
	backend   Backend
	handlers  map[string]toolHandler
	names     []string
}

// NewServer creates a server publishing backend.
func NewServer(name, version string, backend Backend) *Server {
	s := &Server{
		mcpServer: mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(true)),
		backend:   backend,
		handlers:  make(map[string]toolHandler),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.register(mcpgo.NewTool("orchestrate",
		mcpgo.WithDescription("Run a prompt through the best workflow for it. Build or design tasks are planned first, simple questions go straight to one agent."),
		mcpgo.WithString("prompt", mcpgo.Required(), mcpgo.Description("The task or question")),
		mcpgo.WithString("workflow", mcpgo.Description("Force a workflow instead of the automatic choice")),
		mcpgo.WithString("agent", mcpgo.Description("Force an agent for every step")),
		mcpgo.WithString("role", mcpgo.Description("Force a role: plan, execute or review")),
		mcpgo.WithObject("context", mcpgo.Description("Initial workflow context values")),
	), s.handleOrchestrate)

	s.register(mcpgo.NewTool("orchestrate_workflow",
		mcpgo.WithDescription("Run a named workflow and return the full execution record"),
		mcpgo.WithString("workflow", mcpgo.Required(), mcpgo.Description("Workflow name")),
		mcpgo.WithString("input", mcpgo.Required(), mcpgo.Description("Workflow input")),
		mcpgo.WithObject("context", mcpgo.Description("Initial workflow context values")),
		mcpgo.WithString("agent", mcpgo.Description("Agent override for single-agent steps")),
		mcpgo.WithString("role", mcpgo.Description("Role override for every step")),
		mcpgo.WithNumber("max_iterations", mcpgo.Description("Per-step iteration cap")),
		mcpgo.WithString("timeout", mcpgo.Description("Execution timeout such as 90s or 5m")),
	), s.handleWorkflow)

	s.register(mcpgo.NewTool("orchestrate_parallel",
		mcpgo.WithDescription("Send one prompt to several agents at once"),
		mcpgo.WithString("prompt", mcpgo.Required(), mcpgo.Description("The prompt to send")),
		mcpgo.WithArray("agents", mcpgo.Required(), mcpgo.Description("Agent names"), mcpgo.WithStringItems()),
		mcpgo.WithString("mode", mcpgo.Description("race, all or vote"), mcpgo.Enum("race", "all", "vote")),
		mcpgo.WithString("role", mcpgo.Description("plan, execute or review")),
	), s.handleParallel)

	s.register(mcpgo.NewTool("list_workflows",
		mcpgo.WithDescription("List available workflows"),
	), func(context.Context, map[string]any) (*mcpgo.CallToolResult, error) {
		return jsonResult(s.backend.ListWorkflows())
	})

	s.register(mcpgo.NewTool("list_agents",
		mcpgo.WithDescription("List registered agents and their capabilities"),
	), func(context.Context, map[string]any) (*mcpgo.CallToolResult, error) {
		return jsonResult(s.backend.ListAgents())
	})

	s.register(mcpgo.NewTool("get_capabilities",
		mcpgo.WithDescription("Rank agents for a task with reasons and warnings"),
		mcpgo.WithString("task", mcpgo.Required(), mcpgo.Description("Task description")),
		mcpgo.WithString("role", mcpgo.Description("plan, execute or review")),
		mcpgo.WithString("language", mcpgo.Description("Programming language")),
		mcpgo.WithNumber("context_size", mcpgo.Description("Required context window in tokens")),
		mcpgo.WithString("complexity", mcpgo.Description("low, medium or high")),
	), s.handleCapabilities)

	s.register(mcpgo.NewTool("get_process_stats",
		mcpgo.WithDescription("Show active agent processes and monitor thresholds"),
	), func(context.Context, map[string]any) (*mcpgo.CallToolResult, error) {
		return jsonResult(s.backend.GetProcessStats())
	})
}

func (s *Server) register(tool mcpgo.Tool, h toolHandler) {
	s.handlers[tool.Name] = h
	s.names = append(s.names, tool.Name)
	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return s.call(ctx, tool.Name, getArgs(request))
	})
}

// Tools returns the published tool names in registration order.
func (s *Server) Tools() []string {
	return append([]string(nil), s.names...)
}

// Call invokes a tool by name.
func (s *Server) Call(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error) {
	return s.call(ctx, name, args)
}

func (s *Server) call(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error) {
	h, ok := s.handlers[name]
	if !ok {
		return mcpgo.NewToolResultError(fmt.Sprintf("unknown tool %q", name)), nil
	}
	start := time.Now()
	res, err := h(ctx, args)
	slog.Default().InfoContext(ctx, "mcp.tool.call",
		slog.String("tool", name),
		slog.Bool("error", err != nil || (res != nil && res.IsError)),
		slog.Duration("duration", time.Since(start)),
	)
	return res, err
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// ServeStdio serves on stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) handleOrchestrate(ctx context.Context, args map[string]any) (*mcpgo.CallToolResult, error) {
	prompt := stringArg(args, "prompt")
	if prompt == "" {
		return mcpgo.NewToolResultError("prompt parameter is required"), nil
	}
	resp, err := s.backend.Orchestrate(ctx, prompt, orchestrator.Preferences{
		Workflow: stringArg(args, "workflow"),
		Agent:    stringArg(args, "agent"),
		Role:     stringArg(args, "role"),
		Context:  objectArg(args, "context"),
	})
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleWorkflow(ctx context.Context, args map[string]any) (*mcpgo.CallToolResult, error) {
	name := stringArg(args, "workflow")
	if name == "" {
		return mcpgo.NewToolResultError("workflow parameter is required"), nil
	}
	timeout, err := durationArg(args, "timeout")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	resp, err := s.backend.OrchestrateWorkflow(ctx, name, stringArg(args, "input"), objectArg(args, "context"), orchestrator.Overrides{
		Agent:         stringArg(args, "agent"),
		Role:          stringArg(args, "role"),
		MaxIterations: intArg(args, "max_iterations"),
		Timeout:       timeout,
	})
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleParallel(ctx context.Context, args map[string]any) (*mcpgo.CallToolResult, error) {
	prompt := stringArg(args, "prompt")
	if prompt == "" {
		return mcpgo.NewToolResultError("prompt parameter is required"), nil
	}
	agents := stringsArg(args, "agents")
	if len(agents) == 0 {
		return mcpgo.NewToolResultError("agents parameter is required"), nil
	}
	res, err := s.backend.OrchestrateParallel(ctx, prompt, agents, stringArg(args, "mode"), stringArg(args, "role"))
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) handleCapabilities(_ context.Context, args map[string]any) (*mcpgo.CallToolResult, error) {
	task := stringArg(args, "task")
	if task == "" {
		return mcpgo.NewToolResultError("task parameter is required"), nil
	}
	req := agent.Requirements{
		Language:    stringArg(args, "language"),
		ContextSize: intArg(args, "context_size"),
		Complexity:  stringArg(args, "complexity"),
	}
	if role := stringArg(args, "role"); role != "" {
		req.Role = agent.ParseRole(role)
	}
	return jsonResult(s.backend.GetCapabilities(task, req))
}

// getArgs extracts arguments from request as map[string]any.
func getArgs(request mcpgo.CallToolRequest) map[string]any {
	if args, ok := request.Params.Arguments.(map[string]any); ok {
		return args
	}
	return make(map[string]any)
}

func jsonResult(v any) (*mcpgo.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// durationArg accepts Go duration strings or a number of milliseconds.
func durationArg(args map[string]any, key string) (time.Duration, error) {
	switch v := args[key].(type) {
	case nil:
		return 0, nil
	case string:
		if v == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		return d, nil
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("invalid %s: expected a duration", key)
}

func stringsArg(args map[string]any, key string) []string {
	var out []string
	switch v := args[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		out = append(out, v...)
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func objectArg(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}
