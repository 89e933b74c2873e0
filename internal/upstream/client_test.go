package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhizinan1997/pic-gate/internal/config"
	"github.com/zhizinan1997/pic-gate/internal/metrics"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	return New(config.UpstreamConfig{
		APIBase:      url,
		APIKey:       "sk-test",
		Model:        "real-model",
		Timeout:      5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// TestGenerationsOverridesBody forces b64_json and remaps the model while
// leaving other fields alone.
func TestGenerationsOverridesBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("auth header = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Write([]byte(`{"created":1,"data":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Generations(context.Background(),
		[]byte(`{"prompt":"a red cube","model":"picgate","size":"512x512"}`))
	if err != nil {
		t.Fatalf("Generations: %v", err)
	}
	if got["model"] != "real-model" {
		t.Errorf("model = %v", got["model"])
	}
	if got["response_format"] != "b64_json" {
		t.Errorf("response_format = %v", got["response_format"])
	}
	if got["prompt"] != "a red cube" || got["size"] != "512x512" {
		t.Errorf("passthrough fields damaged: %v", got)
	}
}

// TestRetryBudget verifies three attempts with recovery on the last.
func TestRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	out, err := c.ChatCompletions(context.Background(), []byte(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("ChatCompletions: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("body = %s", out)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

// TestRetryExhaustion surfaces the last upstream error with the extracted
// message after the budget is spent.
func TestRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"model overloaded"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.ChatCompletions(context.Background(), []byte(`{}`))
	var upErr *Error
	if !errors.As(err, &upErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if upErr.Status != http.StatusServiceUnavailable || upErr.Message != "model overloaded" {
		t.Errorf("error = %+v", upErr)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

// TestChatForcesNonStreaming always sends stream:false upstream.
func TestChatForcesNonStreaming(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.ChatCompletions(context.Background(), []byte(`{"stream":true}`)); err != nil {
		t.Fatalf("ChatCompletions: %v", err)
	}
	if got["stream"] != false {
		t.Errorf("stream = %v, want false", got["stream"])
	}
}

// TestStreamParsing reads data payloads, skipping keep-alives and comments.
func TestStreamParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": comment\n\n")
		io.WriteString(w, "data: {\"a\":1}\n\n")
		io.WriteString(w, "data: {\"b\":2}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	stream, err := c.ChatCompletionsStream(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("ChatCompletionsStream: %v", err)
	}
	defer stream.Close()

	var payloads []string
	for {
		p, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		payloads = append(payloads, p)
	}

	want := []string{`{"a":1}`, `{"b":2}`, "[DONE]"}
	if len(payloads) != len(want) {
		t.Fatalf("payloads = %v", payloads)
	}
	for i := range want {
		if payloads[i] != want[i] {
			t.Errorf("payload %d = %q, want %q", i, payloads[i], want[i])
		}
	}
}

// TestStreamEstablishRetry retries a failed stream establishment.
func TestStreamEstablishRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	stream, err := c.ChatCompletionsStream(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("ChatCompletionsStream: %v", err)
	}
	stream.Close()
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}
