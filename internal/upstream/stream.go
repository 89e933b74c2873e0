package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Stream is an open SSE connection to the upstream chat endpoint.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next data payload from the stream. The "data: " prefix is
// stripped and empty keep-alive lines are skipped. io.EOF signals a clean
// end of stream; the literal "[DONE]" marker is returned as-is.
func (s *Stream) Next() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			return strings.TrimSpace(payload), nil
		}
		// Non-data SSE fields (event:, id:) are not used by OpenAI-style
		// upstreams; skip them.
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}

// ChatCompletionsStream opens a streaming chat completion. Establishment
// failures (transport errors or non-2xx statuses) are retried with the same
// budget as unary calls; mid-stream failures are the caller's to handle.
func (c *Client) ChatCompletionsStream(ctx context.Context, body []byte) (*Stream, error) {
	body = c.override(body, map[string]any{"stream": true})

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
		stream, err := c.openStream(ctx, body)
		if err != nil {
			c.metrics.ObserveUpstreamAttempt("chat_stream", "error", time.Since(start))
			c.log.Warn("upstream stream attempt failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		c.metrics.ObserveUpstreamAttempt("chat_stream", "ok", time.Since(start))
		return stream, nil
	}
	return nil, lastErr
}

func (c *Client) openStream(ctx context.Context, body []byte) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, newError(resp.StatusCode, data)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &Stream{body: resp.Body, scanner: sc}, nil
}
