package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/castellan-ai/castellan/pkg/fault"
	"github.com/castellan-ai/castellan/pkg/httpclient"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultPeerConcurrent = 8
)

// Client talks to peer agents. Requests to the same peer share a
// concurrency cap so one slow peer cannot absorb the whole pool.
type Client struct {
	http    *httpclient.Client
	poll    time.Duration
	perPeer int

	mu    sync.Mutex
	slots map[string]chan struct{}
	reqID int64
}

type ClientOption func(*Client)

func WithHTTPClient(hc *httpclient.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.poll = d }
}

func WithPeerConcurrency(n int) ClientOption {
	return func(c *Client) { c.perPeer = n }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:    httpclient.New(httpclient.WithRetryAllMethods()),
		poll:    defaultPollInterval,
		perPeer: defaultPeerConcurrent,
		slots:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// acquire reserves a slot on the peer's concurrency cap.
func (c *Client) acquire(ctx context.Context, endpoint string) (release func(), err error) {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	c.mu.Lock()
	slot, ok := c.slots[host]
	if !ok {
		slot = make(chan struct{}, c.perPeer)
		c.slots[host] = slot
	}
	c.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DiscoverAgent fetches a peer's agent card.
func (c *Client) DiscoverAgent(ctx context.Context, baseURL, agentID string) (*AgentCard, error) {
	u := strings.TrimSuffix(baseURL, "/") + AgentCardPath
	if agentID != "" {
		u += "?agent=" + url.QueryEscape(agentID)
	}
	resp, err := c.http.Get(ctx, u)
	if err != nil {
		return nil, fault.Wrap(fault.A2AError, err, "discovering agent at %s", baseURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.A2AError, "discovery returned HTTP %d", resp.StatusCode)
	}
	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fault.Wrap(fault.A2AError, err, "decoding agent card")
	}
	return &card, nil
}

// SendTask submits a message and returns the (possibly still working)
// task.
func (c *Client) SendTask(ctx context.Context, endpoint string, params SendParams) (*Task, error) {
	return c.call(ctx, endpoint, MethodTasksSend, params)
}

// GetTask polls a task by id.
func (c *Client) GetTask(ctx context.Context, endpoint, taskID string) (*Task, error) {
	return c.call(ctx, endpoint, MethodTasksGet, TaskRefParams{TaskID: taskID})
}

// CancelTask requests cancellation of a running task.
func (c *Client) CancelTask(ctx context.Context, endpoint, taskID string) (*Task, error) {
	return c.call(ctx, endpoint, MethodTasksCancel, TaskRefParams{TaskID: taskID})
}

// SendAndWait submits a task and blocks until it reaches a terminal
// state, polling tasks/get for long-running peers.
func (c *Client) SendAndWait(ctx context.Context, endpoint string, params SendParams) (*Task, error) {
	task, err := c.SendTask(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	for !task.Status.IsTerminal() {
		select {
		case <-ctx.Done():
			// Best effort: tell the peer to stop before giving up.
			cancelCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_, _ = c.CancelTask(cancelCtx, endpoint, task.TaskID)
			cancel()
			return nil, fault.Wrap(fault.A2AError, ctx.Err(), "awaiting task %s", task.TaskID)
		case <-time.After(c.poll):
		}
		task, err = c.GetTask(ctx, endpoint, task.TaskID)
		if err != nil {
			return nil, err
		}
	}
	return task, nil
}

func (c *Client) call(ctx context.Context, endpoint, method string, params any) (*Task, error) {
	release, err := c.acquire(ctx, endpoint)
	if err != nil {
		return nil, fault.Wrap(fault.A2AError, err, "acquiring peer slot")
	}
	defer release()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fault.Wrap(fault.A2AError, err, "encoding params")
	}
	c.mu.Lock()
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	body, err := json.Marshal(Request{JSONRPC: Version, ID: id, Method: method, Params: rawParams})
	if err != nil {
		return nil, fault.Wrap(fault.A2AError, err, "encoding request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.A2AError, err, "building request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.A2AError, err, "calling %s on %s", method, endpoint)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fault.Wrap(fault.A2AError, err, "decoding response from %s", endpoint)
	}
	if rpcResp.Error != nil {
		return nil, fault.Wrap(fault.A2AError, rpcResp.Error, "%s rejected", method)
	}

	var task Task
	if err := json.Unmarshal(rpcResp.Result, &task); err != nil {
		return nil, fault.Wrap(fault.A2AError, err, "decoding task")
	}
	if task.TaskID == "" {
		return nil, fault.New(fault.A2AError, "peer returned a task without an id")
	}
	return &task, nil
}
