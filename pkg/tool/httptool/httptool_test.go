package httptool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/httpclient"
)

const searchDoc = `
servers:
  - url: %s
paths:
  /search:
    get:
      operationId: search_docs
      summary: Search the documentation
      parameters:
        - name: query
          in: query
          required: true
          schema:
            type: string
        - name: limit
          in: query
          schema:
            type: integer
`

const articleDoc = `
servers:
  - url: %s
paths:
  /articles/{id}:
    get:
      operationId: get_article
      parameters:
        - name: id
          in: path
          required: true
          schema:
            type: string
  /articles:
    post:
      operationId: create_article
      requestBody:
        required: true
        content:
          application/json:
            schema:
              type: object
              properties:
                title:
                  type: string
                body:
                  type: string
              required: [title]
`

func buildTool(t *testing.T, doc, name, operationID string, baseURL string) *httpTool {
	t.Helper()
	client := httpclient.New(httpclient.WithBaseDelay(time.Millisecond))
	cfg := config.ToolConfig{
		Type: "http", Name: name,
		Config: map[string]any{
			"document":     fmt.Sprintf(doc, baseURL),
			"operation_id": operationID,
		},
	}
	tl, err := New(cfg, client, nil)
	require.NoError(t, err)
	return tl.(*httpTool)
}

func TestInvokeQueryOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "reset password", r.URL.Query().Get("query"))
		fmt.Fprint(w, `{"results":["use the settings page"]}`)
	}))
	defer srv.Close()

	tl := buildTool(t, searchDoc, "search_docs", "search_docs", srv.URL)
	res, err := tl.Invoke(context.Background(), json.RawMessage(`{"query":"reset password"}`))
	require.NoError(t, err)
	assert.Contains(t, res.Output, "settings page")
	// HTTP tools report no token usage.
	assert.Nil(t, res.Usage)
}

func TestInvokePathAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/articles/42":
			fmt.Fprint(w, `{"id":"42"}`)
		case "/articles":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "Hello", body["title"])
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"created":true}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	get := buildTool(t, articleDoc, "get_article", "get_article", srv.URL)
	res, err := get.Invoke(context.Background(), json.RawMessage(`{"id":"42"}`))
	require.NoError(t, err)
	assert.Contains(t, res.Output, `"42"`)

	create := buildTool(t, articleDoc, "create_article", "create_article", srv.URL)
	res, err = create.Invoke(context.Background(), json.RawMessage(`{"title":"Hello","body":"World"}`))
	require.NoError(t, err)
	assert.Contains(t, res.Output, "created")
}

func TestInvokeValidatesInput(t *testing.T) {
	tl := buildTool(t, searchDoc, "search_docs", "search_docs", "http://unused")

	_, err := tl.Invoke(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, fault.ToolInvocationError, fault.KindOf(err))
	assert.Contains(t, err.Error(), `missing required field "query"`)

	_, err = tl.Invoke(context.Background(), json.RawMessage(`{"query":"x","limit":"ten"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `expected integer`)
}

func TestInvokeRetriesIdempotentOperation(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	tl := buildTool(t, searchDoc, "search_docs", "search_docs", srv.URL)
	_, err := tl.Invoke(context.Background(), json.RawMessage(`{"query":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestInvokeDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	tl := buildTool(t, searchDoc, "search_docs", "search_docs", srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := tl.Invoke(ctx, json.RawMessage(`{"query":"x"}`))
	require.Error(t, err)
	assert.Equal(t, fault.Timeout, fault.KindOf(err))
}

func TestSchemaFromDocument(t *testing.T) {
	tl := buildTool(t, searchDoc, "search_docs", "search_docs", "http://unused")
	def := tl.Definition()
	assert.Equal(t, "Search the documentation", def.Description)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(def.InputSchema, &schema))
	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")
	assert.Equal(t, []any{"query"}, schema["required"])
}
