// Package openai implements the model.LLM driver over the OpenAI Chat
// Completions API with SSE streaming.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/httpclient"
	"github.com/castellan-ai/castellan/pkg/model"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
)

type Client struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	model   string
	maxTok  int
}

var _ model.LLM = (*Client)(nil)

// New builds a driver from a model config entry.
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

// Wire types for the Chat Completions API.

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []chatTool     `json:"tools,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_completion_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
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
			finish   = model.FinishStop
			pending  = map[int]*chatToolCall{}
			sawTools bool
			usage    *model.Usage
		)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}
			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield(nil, fmt.Errorf("decoding chunk: %w", err))
				return
			}

			if chunk.Usage != nil {
				usage = &model.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				if !yield(&model.Event{Type: model.EventTextDelta, TextDelta: choice.Delta.Content}, nil) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				sawTools = true
				acc, ok := pending[tc.Index]
				if !ok {
					cp := tc
					pending[tc.Index] = &cp
					continue
				}
				acc.Function.Arguments += tc.Function.Arguments
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
			}
			switch choice.FinishReason {
			case "":
			case "stop":
				finish = model.FinishStop
			case "tool_calls":
				finish = model.FinishTool
			case "length":
				finish = model.FinishLength
			case "content_filter":
				finish = model.FinishContentFilter
			default:
				finish = model.FinishError
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			yield(nil, fmt.Errorf("reading stream: %w", err))
			return
		}

		// Tool requests are emitted in the order the model produced
		// them once all argument fragments have arrived.
		if sawTools {
			indexes := make([]int, 0, len(pending))
			for i := range pending {
				indexes = append(indexes, i)
			}
			sort.Ints(indexes)
			for _, i := range indexes {
				tc := pending[i]
				args := tc.Function.Arguments
				if args == "" {
					args = "{}"
				}
				ev := &model.Event{Type: model.EventToolRequest, ToolRequest: &model.ToolRequest{
					CallID: tc.ID,
					Name:   tc.Function.Name,
					Input:  json.RawMessage(args),
				}}
				if !yield(ev, nil) {
					return
				}
			}
			if finish == model.FinishStop {
				finish = model.FinishTool
			}
		}

		if usage == nil {
			usage = &model.Usage{
				InputTokens:  model.EstimateMessages(req.Messages),
				OutputTokens: 0,
			}
		}
		if !yield(&model.Event{Type: model.EventUsage, Usage: usage}, nil) {
			return
		}
		yield(&model.Event{Type: model.EventFinish, Finish: finish}, nil)
	}
}

func (c *Client) open(ctx context.Context, req model.Request) (*http.Response, error) {
	body := chatRequest{
		Model:         c.model,
		Messages:      convertMessages(req.Messages),
		Tools:         convertTools(req.Tools),
		MaxTokens:     c.maxTok,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
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
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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

func convertMessages(msgs []model.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := chatMessage{Role: m.Role, Content: m.Content}
		if m.Role == "tool" {
			cm.ToolCallID = m.CallID
			cm.Name = m.Name
		}
		for i, tc := range m.ToolCalls {
			call := chatToolCall{Index: i, ID: tc.CallID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(tc.Input)
			cm.ToolCalls = append(cm.ToolCalls, call)
		}
		out = append(out, cm)
	}
	return out
}

func convertTools(tools []model.ToolDescriptor) []chatTool {
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}
