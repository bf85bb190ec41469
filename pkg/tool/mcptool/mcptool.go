// Package mcptool adapts MCP servers into tools.
//
// Transports:
//   - http: JSON-RPC 2.0 over HTTP. Servers answering with SSE streams
//     have their payloads coalesced into a single response.
//   - stdio: subprocess servers through the mcp-go client.
//
// Tool discovery runs once per server on first use and is cached for
// the life of the toolset.
package mcptool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/httpclient"
	"github.com/castellan-ai/castellan/pkg/redact"
	"github.com/castellan-ai/castellan/pkg/tool"
)

const protocolVersion = "2024-11-05"

// NewFactory returns the registry factory for mcp tools. Toolsets are
// shared per target so discovery happens once per server no matter how
// many tool configs point at it. Config keys: tool overrides the MCP
// tool name (defaults to the config name), command/args switch to the
// stdio transport.
func NewFactory(logger *slog.Logger) tool.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		mu   sync.Mutex
		sets = map[string]*Toolset{}
	)
	return func(cfg config.ToolConfig) (tool.Tool, error) {
		command, _ := cfg.Config["command"].(string)
		key := cfg.Target + "|" + command

		mu.Lock()
		ts, ok := sets[key]
		if !ok {
			ts = newToolset(cfg, logger)
			sets[key] = ts
		}
		mu.Unlock()

		mcpName := cfg.Name
		if override, ok := cfg.Config["tool"].(string); ok && override != "" {
			mcpName = override
		}
		return &mcpTool{
			toolset: ts,
			name:    cfg.Name,
			mcpName: mcpName,
			target:  cfg.Target,
		}, nil
	}
}

// Toolset is one MCP server connection with cached discovery.
type Toolset struct {
	url     string
	command string
	args    []string
	client  *httpclient.Client
	logger  *slog.Logger

	mu          sync.Mutex
	discovered  bool
	defs        map[string]mcp.Tool
	stdio       *mcpclient.Client
	discoveries int

	stateMu   sync.Mutex
	sessionID string
	reqID     atomic.Int64
}

func newToolset(cfg config.ToolConfig, logger *slog.Logger) *Toolset {
	command, _ := cfg.Config["command"].(string)
	var args []string
	if raw, ok := cfg.Config["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}
	return &Toolset{
		url:     cfg.Target,
		command: command,
		args:    args,
		client:  httpclient.New(httpclient.WithRetryAllMethods(), httpclient.WithLogger(logger)),
		logger:  logger,
	}
}

// Discoveries reports how many discovery round-trips have happened;
// test hook for the caching guarantee.
func (ts *Toolset) Discoveries() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.discoveries
}

// ensureDiscovered initializes the connection and lists tools once.
func (ts *Toolset) ensureDiscovered(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.discovered {
		return nil
	}
	ts.discoveries++

	if ts.command != "" {
		if err := ts.discoverStdioLocked(ctx); err != nil {
			return err
		}
	} else {
		if err := ts.discoverHTTPLocked(ctx); err != nil {
			return err
		}
	}
	ts.discovered = true
	ts.logger.Info("mcp discovery complete", "target", ts.url, "tools", len(ts.defs))
	return nil
}

func (ts *Toolset) discoverStdioLocked(ctx context.Context) error {
	c, err := mcpclient.NewStdioMCPClient(ts.command, nil, ts.args...)
	if err != nil {
		return fmt.Errorf("starting mcp subprocess: %w", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "castellan", Version: "1.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initializing mcp: %w", err)
	}
	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("listing mcp tools: %w", err)
	}
	ts.defs = make(map[string]mcp.Tool, len(listResp.Tools))
	for _, t := range listResp.Tools {
		ts.defs[t.Name] = t
	}
	ts.stdio = c
	return nil
}

func (ts *Toolset) discoverHTTPLocked(ctx context.Context) error {
	initParams := map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "castellan", "version": "1.0"},
		"capabilities":    map[string]any{},
	}
	if _, err := ts.rpc(ctx, "initialize", initParams); err != nil {
		return fmt.Errorf("initializing mcp: %w", err)
	}
	raw, err := ts.rpc(ctx, "tools/list", map[string]any{})
	if err != nil {
		return fmt.Errorf("listing mcp tools: %w", err)
	}
	var listResp struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listResp); err != nil {
		return fmt.Errorf("decoding tool list: %w", err)
	}
	ts.defs = make(map[string]mcp.Tool, len(listResp.Tools))
	for _, t := range listResp.Tools {
		ts.defs[t.Name] = t
	}
	return nil
}

// definition returns the cached descriptor for a discovered tool.
func (ts *Toolset) definition(name string) (mcp.Tool, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.defs[name]
	return t, ok
}

// call invokes one tool. SSE answers are coalesced: every payload in
// the stream is concatenated into a single output.
func (ts *Toolset) call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if err := ts.ensureDiscovered(ctx); err != nil {
		return "", err
	}

	ts.mu.Lock()
	stdio := ts.stdio
	ts.mu.Unlock()

	if stdio != nil {
		return ts.callStdio(ctx, stdio, name, args)
	}

	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	params.Name = name
	params.Arguments = args
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage("{}")
	}

	raw, err := ts.rpc(ctx, "tools/call", params)
	if err != nil {
		return "", err
	}
	return parseCallResult(raw)
}

func (ts *Toolset) callStdio(ctx context.Context, c *mcpclient.Client, name string, args json.RawMessage) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	var decoded map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return "", fmt.Errorf("decoding arguments: %w", err)
		}
	}
	req.Params.Arguments = decoded

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("calling %s: %w", name, err)
	}
	var out strings.Builder
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			out.WriteString(text.Text)
		}
	}
	if resp.IsError {
		return "", fmt.Errorf("%s reported an error: %s", name, out.String())
	}
	return out.String(), nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// rpc performs one JSON-RPC round trip.
func (ts *Toolset) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := ts.reqID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	ts.stateMu.Lock()
	if ts.sessionID != "" {
		httpReq.Header.Set("mcp-session-id", ts.sessionID)
	}
	ts.stateMu.Unlock()

	resp, err := ts.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		ts.stateMu.Lock()
		ts.sessionID = sid
		ts.stateMu.Unlock()
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("%s returned HTTP %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		rpcResp, err = readSSEResponse(resp.Body)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&rpcResp)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an
// event stream.
func readSSEResponse(body io.Reader) (rpcResponse, error) {
	var (
		resp rpcResponse
		data strings.Builder
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	flush := func() bool {
		if data.Len() == 0 {
			return false
		}
		if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
			return true
		}
		data.Reset()
		return false
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if flush() {
				return resp, nil
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimSpace(rest))
		}
	}
	if flush() {
		return resp, nil
	}
	return resp, fmt.Errorf("event stream ended without a complete message")
}

// parseCallResult coalesces the text content of a tools/call result.
func parseCallResult(raw json.RawMessage) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decoding call result: %w", err)
	}
	var out strings.Builder
	for _, c := range result.Content {
		if c.Type == "text" {
			out.WriteString(c.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool reported an error: %s", out.String())
	}
	return out.String(), nil
}

var _ tool.Tool = (*mcpTool)(nil)

type mcpTool struct {
	toolset *Toolset
	name    string
	mcpName string
	target  string
}

func (t *mcpTool) Definition() tool.Definition {
	def := tool.Definition{
		Type:   tool.TypeMCP,
		Name:   t.name,
		Target: t.target,
	}
	if d, ok := t.toolset.definition(t.mcpName); ok {
		def.Description = d.Description
		if raw, err := json.Marshal(d.InputSchema); err == nil {
			def.InputSchema = raw
		}
	}
	return def
}

func (t *mcpTool) Invoke(ctx context.Context, input json.RawMessage) (*tool.Result, error) {
	t.toolset.logger.Debug("mcp tool call",
		"tool", t.name, "target", t.target,
		"input", redact.Preview(string(input), 256))

	out, err := t.toolset.call(ctx, t.mcpName, input)
	if err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err, "mcp tool %s", t.name)
	}
	return &tool.Result{Output: out}, nil
}
