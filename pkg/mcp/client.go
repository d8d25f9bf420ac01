package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/dispatch"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/monitor"
	"github.com/jllopis/relay/pkg/orchestrator"
	"github.com/jllopis/relay/pkg/resilience"
	"github.com/jllopis/relay/pkg/workflow"
)

const (
	defaultTimeout  = 10 * time.Minute
	defaultRetries  = 2
	defaultBackoff  = 200 * time.Millisecond
	defaultCacheTTL = 30 * time.Second
)

// ClientOption customizes the client.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout. Orchestration calls run agents,
// so the default is generous.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry configures transport retries and the initial backoff.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.retry.MaxAttempts = retries + 1
		}
		if backoff > 0 {
			c.retry.InitialDelay = backoff
		}
	}
}

// WithToolCacheTTL sets the tool list cache TTL. Use 0 to disable caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// Client talks to a relay MCP server and decodes tool results into the
// orchestrator types. Tool errors come back as RelayErrors.
type Client struct {
	mcpClient client.MCPClient
	timeout   time.Duration
	retry     resilience.RetryConfig
	cacheTTL  time.Duration

	mu          sync.Mutex
	toolsCache  []mcpgo.Tool
	cacheExpiry time.Time
}

// NewClient wraps an initialized mcp-go client.
func NewClient(c client.MCPClient, opts ...ClientOption) *Client {
	cl := &Client{
		mcpClient: c,
		timeout:   defaultTimeout,
		retry: resilience.RetryConfig{
			MaxAttempts:  defaultRetries + 1,
			InitialDelay: defaultBackoff,
			Multiplier:   2,
			IsRecoverable: func(err error) bool {
				return !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded)
			},
		},
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// NewStdioClient starts command (typically "relay serve") and performs the
// MCP handshake over its stdin and stdout.
func NewStdioClient(ctx context.Context, command string, env, args []string, opts ...ClientOption) (*Client, error) {
	stdioClient, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, errors.New(errors.CodeProcessStart, "start MCP server", err).WithContext("command", command)
	}
	if err := stdioClient.Start(ctx); err != nil {
		_ = stdioClient.Close()
		return nil, errors.New(errors.CodeProcessStart, "start MCP transport", err).WithContext("command", command)
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	initRequest := mcpgo.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcpgo.Implementation{
		Name:    "relay-client",
		Version: "0.1.0",
	}
	if _, err := stdioClient.Initialize(initCtx, initRequest); err != nil {
		_ = stdioClient.Close()
		return nil, errors.New(errors.CodeProcessStart, "initialize MCP session", err).WithContext("command", command)
	}
	return NewClient(stdioClient, opts...), nil
}

// ListTools returns the server tools, cached for the configured TTL.
func (c *Client) ListTools(ctx context.Context) ([]mcpgo.Tool, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}
	var resp *mcpgo.ListToolsResult
	err := c.retry.Do(ctx, func() error {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		var err error
		resp, err = c.mcpClient.ListTools(reqCtx, mcpgo.ListToolsRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}
	c.storeTools(resp.Tools)
	return resp.Tools, nil
}

// CallTool executes a tool and returns the raw result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var res *mcpgo.CallToolResult
	err := c.retry.Do(ctx, func() error {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		var err error
		res, err = c.mcpClient.CallTool(reqCtx, req)
		return err
	})
	return res, err
}

// Close closes the connection and stops a stdio server.
func (c *Client) Close() error {
	return c.mcpClient.Close()
}

// Orchestrate calls the orchestrate tool.
func (c *Client) Orchestrate(ctx context.Context, prompt string, prefs orchestrator.Preferences) (*orchestrator.Response, error) {
	args := map[string]any{"prompt": prompt}
	putString(args, "workflow", prefs.Workflow)
	putString(args, "agent", prefs.Agent)
	putString(args, "role", prefs.Role)
	if len(prefs.Context) > 0 {
		args["context"] = prefs.Context
	}
	var out orchestrator.Response
	if err := c.callJSON(ctx, "orchestrate", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OrchestrateWorkflow calls the orchestrate_workflow tool.
func (c *Client) OrchestrateWorkflow(ctx context.Context, name, input string, initial map[string]any, ov orchestrator.Overrides) (*orchestrator.WorkflowResponse, error) {
	args := map[string]any{"workflow": name, "input": input}
	if len(initial) > 0 {
		args["context"] = initial
	}
	putString(args, "agent", ov.Agent)
	putString(args, "role", ov.Role)
	if ov.MaxIterations > 0 {
		args["max_iterations"] = ov.MaxIterations
	}
	if ov.Timeout > 0 {
		args["timeout"] = ov.Timeout.String()
	}
	var out orchestrator.WorkflowResponse
	if err := c.callJSON(ctx, "orchestrate_workflow", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OrchestrateParallel calls the orchestrate_parallel tool.
func (c *Client) OrchestrateParallel(ctx context.Context, prompt string, agents []string, mode, role string) (*dispatch.Result, error) {
	args := map[string]any{"prompt": prompt, "agents": agents}
	putString(args, "mode", mode)
	putString(args, "role", role)
	var out dispatch.Result
	if err := c.callJSON(ctx, "orchestrate_parallel", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkflows calls the list_workflows tool.
func (c *Client) ListWorkflows(ctx context.Context) ([]workflow.Summary, error) {
	var out []workflow.Summary
	err := c.callJSON(ctx, "list_workflows", nil, &out)
	return out, err
}

// ListAgents calls the list_agents tool.
func (c *Client) ListAgents(ctx context.Context) ([]orchestrator.AgentInfo, error) {
	var out []orchestrator.AgentInfo
	err := c.callJSON(ctx, "list_agents", nil, &out)
	return out, err
}

// GetCapabilities calls the get_capabilities tool.
func (c *Client) GetCapabilities(ctx context.Context, task string, req agent.Requirements) ([]agent.Recommendation, error) {
	args := map[string]any{"task": task}
	putString(args, "role", string(req.Role))
	putString(args, "language", req.Language)
	putString(args, "complexity", req.Complexity)
	if req.ContextSize > 0 {
		args["context_size"] = req.ContextSize
	}
	var out []agent.Recommendation
	err := c.callJSON(ctx, "get_capabilities", args, &out)
	return out, err
}

// GetProcessStats calls the get_process_stats tool.
func (c *Client) GetProcessStats(ctx context.Context) (monitor.Stats, error) {
	var out monitor.Stats
	err := c.callJSON(ctx, "get_process_stats", nil, &out)
	return out, err
}

func (c *Client) callJSON(ctx context.Context, name string, args map[string]any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.CallTool(ctx, name, args)
	if err != nil {
		return errors.New(errors.CodeInternal, "call tool "+name, err)
	}
	text := ResultText(res)
	if res.IsError {
		return toolError(name, text)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return errors.New(errors.CodeInternal, "decode "+name+" result", err)
	}
	return nil
}

// ResultText concatenates the text content of a tool result.
func ResultText(res *mcpgo.CallToolResult) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	for _, content := range res.Content {
		switch tc := content.(type) {
		case mcpgo.TextContent:
			sb.WriteString(tc.Text)
		case *mcpgo.TextContent:
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

var codedMessage = regexp.MustCompile(`^\[([A-Z_]+)\] (.*)$`)

// toolError rebuilds the RelayError a server handler reported as text.
func toolError(tool, text string) error {
	code, msg := errors.CodeInternal, text
	if m := codedMessage.FindStringSubmatch(strings.SplitN(text, "\n", 2)[0]); m != nil {
		code, msg = errors.ErrorCode(m[1]), m[2]
	}
	return errors.New(code, msg, nil).WithContext("tool", tool)
}

func putString(args map[string]any, key, value string) {
	if value != "" {
		args[key] = value
	}
}

func (c *Client) cachedTools() []mcpgo.Tool {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolsCache) == 0 || time.Now().After(c.cacheExpiry) {
		return nil
	}
	out := make([]mcpgo.Tool, len(c.toolsCache))
	copy(out, c.toolsCache)
	return out
}

func (c *Client) storeTools(tools []mcpgo.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolsCache = make([]mcpgo.Tool, len(tools))
	copy(c.toolsCache, tools)
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
