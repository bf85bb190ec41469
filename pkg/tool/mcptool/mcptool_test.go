package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
)

// fakeMCPServer answers initialize, tools/list and tools/call over
// plain JSON, counting discovery round trips.
type fakeMCPServer struct {
	listCalls atomic.Int64
	callCalls atomic.Int64
	sse       bool
	failCalls bool
}

func (f *fakeMCPServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var result any
		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "sess-1")
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			f.listCalls.Add(1)
			result = map[string]any{
				"tools": []map[string]any{{
					"name":        "search",
					"description": "Full text search",
					"inputSchema": map[string]any{
						"type":       "object",
						"properties": map[string]any{"query": map[string]any{"type": "string"}},
						"required":   []string{"query"},
					},
				}},
			}
		case "tools/call":
			f.callCalls.Add(1)
			if r.Header.Get("mcp-session-id") != "sess-1" {
				http.Error(w, "missing session", http.StatusBadRequest)
				return
			}
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			if err := json.Unmarshal(req.Params, &params); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if f.failCalls {
				result = map[string]any{
					"content": []map[string]any{{"type": "text", "text": "index offline"}},
					"isError": true,
				}
			} else {
				result = map[string]any{
					"content": []map[string]any{
						{"type": "text", "text": "results for "},
						{"type": "text", "text": fmt.Sprint(params.Arguments["query"])},
					},
				}
			}
		default:
			http.Error(w, "unknown method "+req.Method, http.StatusBadRequest)
			return
		}

		payload, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
		if f.sse {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}
}

func buildTool(t *testing.T, srv *httptest.Server) *mcpTool {
	t.Helper()
	factory := NewFactory(slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	built, err := factory(config.ToolConfig{
		Type:   "mcp",
		Name:   "search",
		Target: srv.URL,
	})
	require.NoError(t, err)
	return built.(*mcpTool)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestInvoke(t *testing.T) {
	fake := &fakeMCPServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	mt := buildTool(t, srv)
	res, err := mt.Invoke(context.Background(), json.RawMessage(`{"query":"go"}`))
	require.NoError(t, err)
	assert.Equal(t, "results for go", res.Output)
}

func TestDiscoveryCached(t *testing.T) {
	fake := &fakeMCPServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	mt := buildTool(t, srv)
	ctx := context.Background()

	_, err := mt.Invoke(ctx, json.RawMessage(`{"query":"one"}`))
	require.NoError(t, err)
	_, err = mt.Invoke(ctx, json.RawMessage(`{"query":"two"}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), fake.listCalls.Load(), "discovery must run once per server")
	assert.Equal(t, int64(2), fake.callCalls.Load())
	assert.Equal(t, 1, mt.toolset.Discoveries())
}

func TestSSECoalescing(t *testing.T) {
	fake := &fakeMCPServer{sse: true}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	mt := buildTool(t, srv)
	res, err := mt.Invoke(context.Background(), json.RawMessage(`{"query":"stream"}`))
	require.NoError(t, err)
	assert.Equal(t, "results for stream", res.Output)
}

func TestToolError(t *testing.T) {
	fake := &fakeMCPServer{failCalls: true}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	mt := buildTool(t, srv)
	_, err := mt.Invoke(context.Background(), json.RawMessage(`{"query":"go"}`))
	require.Error(t, err)
	assert.Equal(t, fault.ToolInvocationError, fault.KindOf(err))
	assert.Contains(t, err.Error(), "index offline")
}

func TestDefinitionAfterDiscovery(t *testing.T) {
	fake := &fakeMCPServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	mt := buildTool(t, srv)

	// Before discovery only static fields are known.
	def := mt.Definition()
	assert.Equal(t, "search", def.Name)
	assert.Empty(t, def.Description)

	_, err := mt.Invoke(context.Background(), json.RawMessage(`{"query":"go"}`))
	require.NoError(t, err)

	def = mt.Definition()
	assert.Equal(t, "Full text search", def.Description)
	assert.Contains(t, string(def.InputSchema), "query")
}

func TestSharedToolsetPerTarget(t *testing.T) {
	fake := &fakeMCPServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	factory := NewFactory(slog.Default())
	a, err := factory(config.ToolConfig{Type: "mcp", Name: "search", Target: srv.URL})
	require.NoError(t, err)
	b, err := factory(config.ToolConfig{Type: "mcp", Name: "lookup", Target: srv.URL, Config: map[string]any{"tool": "search"}})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = a.Invoke(ctx, json.RawMessage(`{"query":"a"}`))
	require.NoError(t, err)
	_, err = b.Invoke(ctx, json.RawMessage(`{"query":"b"}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), fake.listCalls.Load())
}

func TestReadSSEResponse(t *testing.T) {
	payload := "event: ping\n\nevent: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\n" +
		"data: \"result\":{\"ok\":true}}\n\n"
	resp, err := readSSEResponse(strings.NewReader(payload))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}
