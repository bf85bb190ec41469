// Package httpclient provides an HTTP client with bounded exponential
// retry. Retries are attempted only for idempotent methods and only on
// connect errors or 5xx responses; request bodies are replayed through
// GetBody.
package httpclient

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	defaultFactor      = 2.0
	defaultJitter      = 0.2
	defaultTimeout     = 60 * time.Second
)

type Client struct {
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	factor      float64
	jitter      float64
	retryAll    bool
	logger      *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

func WithBackoffFactor(f float64) Option {
	return func(c *Client) { c.factor = f }
}

func WithJitter(j float64) Option {
	return func(c *Client) { c.jitter = j }
}

// WithRetryAllMethods retries non-idempotent methods too. Only safe when
// the endpoint is known to deduplicate, e.g. JSON-RPC calls keyed by id.
func WithRetryAllMethods() Option {
	return func(c *Client) { c.retryAll = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(opts ...Option) *Client {
	c := &Client{
		client:      &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		factor:      defaultFactor,
		jitter:      defaultJitter,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var idempotent = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Do executes the request, retrying on connect errors and 5xx responses.
// The request context bounds the whole sequence including backoff sleeps.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	attempts := c.maxAttempts
	if !c.retryAll && !idempotent[req.Method] {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("replaying request body: %w", err)
				}
				req.Body = body
			} else if req.Body != nil {
				// Consumed body with no replay source; give up.
				return nil, lastErr
			}

			delay := c.backoff(attempt)
			c.logger.Debug("retrying request",
				"method", req.Method, "url", req.URL.String(),
				"attempt", attempt+1, "delay", delay)
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Host)
			resp.Body.Close()
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// backoff computes baseDelay * factor^(attempt-1) with symmetric jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.baseDelay)
	for i := 1; i < attempt; i++ {
		d *= c.factor
	}
	if c.jitter > 0 {
		d *= 1 + c.jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Get is a convenience wrapper around Do.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}
