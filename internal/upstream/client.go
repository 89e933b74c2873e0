// Package upstream is the HTTP adapter for the AI provider behind the
// gateway: image generation, image edits, and chat completions, each with a
// fixed retry budget and an SSE reader for streaming chat.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/zhizinan1997/pic-gate/internal/config"
	"github.com/zhizinan1997/pic-gate/internal/metrics"
)

// Error is a non-2xx upstream response. The message is extracted from the
// OpenAI error envelope when present, otherwise from the raw body.
type Error struct {
	Status  int
	Message string
	Raw     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// HTTPStatus implements the status mapping used by the error middleware.
func (e *Error) HTTPStatus() int {
	if e.Status == http.StatusTooManyRequests {
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

// Client talks to the configured upstream provider.
type Client struct {
	base       string
	apiKey     string
	model      string
	maxRetries int
	backoff    time.Duration

	http    *http.Client
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New builds the upstream client from config.
func New(cfg config.UpstreamConfig, m *metrics.Metrics, log *slog.Logger) *Client {
	return &Client{
		base:       cfg.APIBase,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		http:       &http.Client{Timeout: cfg.Timeout},
		metrics:    m,
		log:        log,
	}
}

// Model returns the upstream model name requests are remapped to.
func (c *Client) Model() string { return c.model }

// Generations calls POST /images/generations. The body is forwarded as-is
// except the model is remapped and response_format forced to b64_json so the
// gateway always receives inline bytes.
func (c *Client) Generations(ctx context.Context, body []byte) ([]byte, error) {
	body = c.override(body, map[string]any{"response_format": "b64_json"})
	return c.postWithRetry(ctx, "/images/generations", body, "generations")
}

// Edits calls POST /images/edits with the same body treatment as Generations.
func (c *Client) Edits(ctx context.Context, body []byte) ([]byte, error) {
	body = c.override(body, map[string]any{"response_format": "b64_json"})
	return c.postWithRetry(ctx, "/images/edits", body, "edits")
}

// ChatCompletions calls POST /chat/completions non-streaming. stream is
// forced off so slow image models answer in one shot; the caller synthesizes
// streaming frames when the client asked for them.
func (c *Client) ChatCompletions(ctx context.Context, body []byte) ([]byte, error) {
	body = c.override(body, map[string]any{"stream": false})
	return c.postWithRetry(ctx, "/chat/completions", body, "chat")
}

// override applies the model remap plus extra field overrides via sjson,
// leaving every other key of the already-rewritten body untouched.
func (c *Client) override(body []byte, extra map[string]any) []byte {
	out := body
	var err error
	if c.model != "" {
		if out, err = sjson.SetBytes(out, "model", c.model); err != nil {
			return body
		}
	}
	for k, v := range extra {
		if out, err = sjson.SetBytes(out, k, v); err != nil {
			return body
		}
	}
	return out
}

// postWithRetry runs the request up to the retry budget with a fixed pause
// between attempts. Any non-2xx status or transport error is retried; the
// last error is returned after exhaustion.
func (c *Client) postWithRetry(ctx context.Context, path string, body []byte, op string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff):
			}
		}

		start := time.Now()
		resp, err := c.post(ctx, path, body)
		if err != nil {
			c.metrics.ObserveUpstreamAttempt(op, "error", time.Since(start))
			c.log.Warn("upstream attempt failed",
				"operation", op, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		c.metrics.ObserveUpstreamAttempt(op, "ok", time.Since(start))
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError(resp.StatusCode, data)
	}
	return data, nil
}

func newError(status int, body []byte) *Error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
	}
	raw := string(body)
	if len(raw) > 1000 {
		raw = raw[:1000] + "..."
	}
	return &Error{Status: status, Message: msg, Raw: raw}
}
