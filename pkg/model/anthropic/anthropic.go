// Package anthropic implements the model.LLM driver over the Anthropic
// Messages API with SSE streaming.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/httpclient"
	"github.com/castellan-ai/castellan/pkg/model"
)

const (
	defaultBaseURL    = "https://api.anthropic.com/v1"
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 4096
	defaultTimeout    = 120 * time.Second
	anthropicVersion  = "2023-06-01"
)

type Client struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	model   string
	maxTok  int
}

var _ model.LLM = (*Client)(nil)

func New(cfg config.ModelConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	name := cfg.Model
	if name == "" {
		name = defaultModel
	}
	maxTok := cfg.MaxTokens
	if maxTok == 0 {
		maxTok = defaultMaxTokens
	}
	timeout := defaultTimeout
	if cfg.TimeoutS > 0 {
		timeout = time.Duration(cfg.TimeoutS) * time.Second
	}
	return &Client{
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithRetryAllMethods(),
		),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   name,
		maxTok:  maxTok,
	}
}

func (c *Client) Name() string { return c.model }

type msgRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []msgMessage `json:"messages"`
	Tools       []msgTool    `json:"tools,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens"`
	Stream      bool         `json:"stream"`
}

type msgMessage struct {
	Role    string     `json:"role"`
	Content []msgBlock `json:"content"`
}

type msgBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type msgTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type sseEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type toolAccumulator struct {
	id, name string
	args     strings.Builder
}

func (c *Client) Stream(ctx context.Context, req model.Request) iter.Seq2[*model.Event, error] {
	return func(yield func(*model.Event, error) bool) {
		resp, err := c.open(ctx, req)
		if err != nil {
			yield(nil, fmt.Errorf("opening stream: %w", err))
			return
		}
		defer resp.Body.Close()

		var (
			finish  = model.FinishStop
			usage   model.Usage
			pending = map[int]*toolAccumulator{}
			order   []int
		)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev sseEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				yield(nil, fmt.Errorf("decoding event: %w", err))
				return
			}

			switch ev.Type {
			case "message_start":
				usage.InputTokens = ev.Message.Usage.InputTokens
			case "content_block_start":
				if ev.ContentBlock.Type == "tool_use" {
					pending[ev.Index] = &toolAccumulator{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
					order = append(order, ev.Index)
				}
			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					if !yield(&model.Event{Type: model.EventTextDelta, TextDelta: ev.Delta.Text}, nil) {
						return
					}
				case "input_json_delta":
					if acc := pending[ev.Index]; acc != nil {
						acc.args.WriteString(ev.Delta.PartialJSON)
					}
				}
			case "message_delta":
				usage.OutputTokens = ev.Usage.OutputTokens
				switch ev.Delta.StopReason {
				case "end_turn", "stop_sequence":
					finish = model.FinishStop
				case "tool_use":
					finish = model.FinishTool
				case "max_tokens":
					finish = model.FinishLength
				}
			case "message_stop":
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			yield(nil, fmt.Errorf("reading stream: %w", err))
			return
		}

		for _, i := range order {
			acc := pending[i]
			args := acc.args.String()
			if args == "" {
				args = "{}"
			}
			ev := &model.Event{Type: model.EventToolRequest, ToolRequest: &model.ToolRequest{
				CallID: acc.id,
				Name:   acc.name,
				Input:  json.RawMessage(args),
			}}
			if !yield(ev, nil) {
				return
			}
		}

		if !yield(&model.Event{Type: model.EventUsage, Usage: &usage}, nil) {
			return
		}
		yield(&model.Event{Type: model.EventFinish, Finish: finish}, nil)
	}
}

func (c *Client) open(ctx context.Context, req model.Request) (*http.Response, error) {
	system, messages := convertMessages(req.Messages)
	body := msgRequest{
		Model:     c.model,
		System:    system,
		Messages:  messages,
		Tools:     convertTools(req.Tools),
		MaxTokens: c.maxTok,
		Stream:    true,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error.Message)
	}
	return resp, nil
}

// convertMessages maps driver history to Anthropic's block format. The
// system prompt travels in its own field; tool results become
// tool_result blocks on user-role messages.
func convertMessages(msgs []model.Message) (string, []msgMessage) {
	var system string
	out := make([]msgMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			blocks := []msgBlock{}
			if m.Content != "" {
				blocks = append(blocks, msgBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, msgBlock{Type: "tool_use", ID: tc.CallID, Name: tc.Name, Input: input})
			}
			out = append(out, msgMessage{Role: "assistant", Content: blocks})
		case "tool":
			out = append(out, msgMessage{Role: "user", Content: []msgBlock{
				{Type: "tool_result", ToolUseID: m.CallID, Content: m.Content},
			}})
		default:
			out = append(out, msgMessage{Role: "user", Content: []msgBlock{
				{Type: "text", Text: m.Content},
			}})
		}
	}
	return system, out
}

func convertTools(tools []model.ToolDescriptor) []msgTool {
	out := make([]msgTool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, msgTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}
