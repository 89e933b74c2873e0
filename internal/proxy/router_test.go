package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// serveGateway starts the full router on an in-memory listener and returns
// an HTTP client wired to it.
func serveGateway(t *testing.T, g *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, g.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

// readSSE consumes an SSE response body and returns the data payloads.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()

	var payloads []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			payloads = append(payloads, payload)
		}
	}
	require.NoError(t, scanner.Err())
	return payloads
}

// --- routing and auth -------------------------------------------------------

func TestRouter_AuthBoundary(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:0")
	g.apiKey = "sk-client"
	client := serveGateway(t, g)

	// API routes require the key.
	resp, err := client.Get("http://gw/v1/models")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, "http://gw/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-client")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Image serving stays open: browsers fetch without credentials.
	resp, err = client.Get("http://gw/images/9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Health stays open for load balancers.
	resp, err = client.Get("http://gw/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Admin routes require the key.
	resp, err = client.Get("http://gw/admin/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_UnknownPath(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:0")
	client := serveGateway(t, g)

	resp, err := client.Get("http://gw/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --- streaming chat ---------------------------------------------------------

func postChat(t *testing.T, client *http.Client, body string) *http.Response {
	t.Helper()
	resp, err := client.Post("http://gw/v1/chat/completions", "application/json",
		strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestStreaming_Passthrough(t *testing.T) {
	chunks := []string{
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hel"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, true, req["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	client := serveGateway(t, g)

	resp := postChat(t, client, `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	payloads := readSSE(t, resp)
	require.GreaterOrEqual(t, len(payloads), 3)
	assert.Equal(t, chunks[0], payloads[0])
	assert.Equal(t, chunks[1], payloads[1])
	assert.Equal(t, "[DONE]", payloads[len(payloads)-1])
}

func TestStreaming_PassthroughEstablishFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	client := serveGateway(t, g)

	resp := postChat(t, client, `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	payloads := readSSE(t, resp)
	require.GreaterOrEqual(t, len(payloads), 2)
	assert.Equal(t, "[DONE]", payloads[len(payloads)-1])

	var sawError, sawStop bool
	for _, p := range payloads[:len(payloads)-1] {
		if strings.Contains(gjson.Get(p, "choices.0.delta.content").String(), "boom") {
			sawError = true
		}
		if gjson.Get(p, "choices.0.finish_reason").String() == "stop" {
			sawStop = true
		}
	}
	assert.True(t, sawError, "error report frame missing: %v", payloads)
	assert.True(t, sawStop, "finish frame missing: %v", payloads)
}

func TestStreaming_InteractiveImage(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString(testPNG(t))
	content := fmt.Sprintf("Done! ![image](data:image/png;base64,%s)", b64)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Interactive mode forces a single non-streaming upstream call.
		assert.Equal(t, false, req["stream"])

		time.Sleep(50 * time.Millisecond)
		resp := map[string]any{
			"id":     "chatcmpl-up1",
			"object": "chat.completion",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL)
	client := serveGateway(t, g)

	resp := postChat(t, client, `{"stream":true,"messages":[{"role":"user","content":"draw a cat"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	payloads := readSSE(t, resp)
	require.GreaterOrEqual(t, len(payloads), 4)
	assert.Equal(t, "[DONE]", payloads[len(payloads)-1])

	// First frame opens the assistant turn, second is the welcome text.
	assert.Equal(t, "assistant", gjson.Get(payloads[0], "choices.0.delta.role").String())
	assert.Contains(t, gjson.Get(payloads[1], "choices.0.delta.content").String(), "Generating image")

	var full strings.Builder
	for _, p := range payloads[:len(payloads)-1] {
		full.WriteString(gjson.Get(p, "choices.0.delta.content").String())
	}
	assert.Contains(t, full.String(), "![image](http://gw.test/images/")
	assert.NotContains(t, full.String(), "base64")
}
