// Package httptool adapts HTTP/OpenAPI operations into tools. The
// OpenAPI document is fetched and parsed once at factory time; each
// tool instance is one operation with input validated against the
// operation's declared schema before the request goes out.
package httptool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/httpclient"
	"github.com/castellan-ai/castellan/pkg/redact"
	"github.com/castellan-ai/castellan/pkg/tool"
)

const maxResponseBytes = 1 << 20

// NewFactory returns the registry factory for http tools. cfg.Target is
// the OpenAPI document location; config keys: operation_id selects the
// operation, base_url overrides the document's server, document inlines
// the OpenAPI text for air-gapped setups, headers adds static headers.
func NewFactory(limits config.LimitsConfig, logger *slog.Logger) tool.Factory {
	client := httpclient.New(
		httpclient.WithMaxAttempts(limits.HTTPRetryMax),
		httpclient.WithBaseDelay(limits.HTTPRetryBase()),
		httpclient.WithBackoffFactor(limits.HTTPRetryFactor),
		httpclient.WithJitter(limits.HTTPRetryJitter),
		httpclient.WithLogger(logger),
	)
	return func(cfg config.ToolConfig) (tool.Tool, error) {
		return New(cfg, client, logger)
	}
}

type httpTool struct {
	def     tool.Definition
	client  *httpclient.Client
	baseURL string
	call    *callable
	headers map[string]string
	logger  *slog.Logger
}

// New builds one http tool from its config entry.
func New(cfg config.ToolConfig, client *httpclient.Client, logger *slog.Logger) (tool.Tool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := loadDocument(cfg, client)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", cfg.Name, err)
	}

	operationID, _ := cfg.Config["operation_id"].(string)
	call, err := doc.findOperation(operationID)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", cfg.Name, err)
	}

	baseURL, _ := cfg.Config["base_url"].(string)
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("tool %q: no server URL in document and no base_url configured", cfg.Name)
	}

	headers := map[string]string{}
	if h, ok := cfg.Config["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	description := call.op.Summary
	if description == "" {
		description = call.op.Description
	}
	return &httpTool{
		def: tool.Definition{
			Type:        tool.TypeHTTP,
			Name:        cfg.Name,
			Description: description,
			Target:      baseURL + call.path,
			InputSchema: call.inputSchema(),
		},
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		call:    call,
		headers: headers,
		logger:  logger,
	}, nil
}

func loadDocument(cfg config.ToolConfig, client *httpclient.Client) ([]byte, error) {
	if inline, ok := cfg.Config["document"].(string); ok && inline != "" {
		return []byte(inline), nil
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("tool %q: target or inline document required", cfg.Name)
	}
	resp, err := client.Get(context.Background(), cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("tool %q: fetching document: %w", cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool %q: document fetch returned HTTP %d", cfg.Name, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

func (t *httpTool) Definition() tool.Definition { return t.def }

func (t *httpTool) Invoke(ctx context.Context, input json.RawMessage) (*tool.Result, error) {
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fault.Wrap(fault.ToolInvocationError, err, "decoding input for %s", t.def.Name)
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.call.validate(args); err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err, "input for %s", t.def.Name)
	}

	req, err := t.buildRequest(ctx, args)
	if err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err, "building request for %s", t.def.Name)
	}

	t.logger.Debug("http tool call",
		"tool", t.def.Name, "method", t.call.method,
		"input", redact.Preview(string(input), 256))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err, "calling %s", t.def.Name)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err, "reading %s response", t.def.Name)
	}
	if resp.StatusCode >= 400 {
		return nil, fault.New(fault.ToolInvocationError, "%s returned HTTP %d", t.def.Name, resp.StatusCode)
	}
	return &tool.Result{Output: string(body)}, nil
}

// buildRequest substitutes path parameters, assigns query parameters,
// and sends the remaining fields as the JSON body for write methods.
func (t *httpTool) buildRequest(ctx context.Context, args map[string]any) (*http.Request, error) {
	path := t.call.path
	query := url.Values{}
	body := map[string]any{}

	consumed := map[string]bool{}
	for _, p := range t.call.op.Parameters {
		v, ok := args[p.Name]
		if !ok {
			continue
		}
		consumed[p.Name] = true
		switch p.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.Name+"}", fmt.Sprintf("%v", v))
		case "query":
			query.Set(p.Name, fmt.Sprintf("%v", v))
		case "header":
			// handled below via request headers
		}
	}
	for name, v := range args {
		if !consumed[name] {
			body[name] = v
		}
	}

	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if t.call.method != http.MethodGet && t.call.method != http.MethodHead && len(body) > 0 {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, t.call.method, u, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, p := range t.call.op.Parameters {
		if p.In == "header" {
			if v, ok := args[p.Name]; ok {
				req.Header.Set(p.Name, fmt.Sprintf("%v", v))
			}
		}
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
