package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/zhizinan1997/pic-gate/internal/upstream"
	"github.com/zhizinan1997/pic-gate/pkg/apierr"
)

const (
	heartbeatInterval = 3 * time.Second

	welcomeText = "🎨 Generating image, please wait...\n\n"
)

// handleChatCompletions proxies POST /v1/chat/completions.
//
// The inbound body is rewritten (URL→base64) before forwarding. Streaming
// requests split into two modes: plain chat passes the upstream SSE stream
// through verbatim, while image-bearing requests wrap a slow non-streaming
// upstream call in synthesized heartbeat frames.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	if !gjson.GetBytes(body, "messages").IsArray() {
		apierr.WriteInvalidRequest(ctx, "'messages' is required")
		return
	}

	// Classification looks at the original body: after rewriting, bare URLs
	// have already become data URIs.
	class := g.classifier.Classify(body)

	rewritten, err := g.rewriter.RewriteBody(ctx, body)
	if err != nil {
		g.record("warn", "chat_rewrite_rejected", err.Error())
		handleRewriteError(ctx, err)
		return
	}

	if !gjson.GetBytes(body, "stream").Bool() {
		g.chatNonStreaming(ctx, rewritten)
		return
	}

	if class == ClassImage {
		g.chatInteractive(ctx, rewritten)
		return
	}
	g.chatPassthrough(ctx, rewritten)
}

// chatNonStreaming always answers with a well-formed chat completion. When
// the upstream retry budget is exhausted the failure is reported as in-band
// assistant content rather than a transport error.
func (g *Gateway) chatNonStreaming(ctx *fasthttp.RequestCtx, body []byte) {
	base := g.baseURL(ctx)

	resp, err := g.upstream.ChatCompletions(g.baseCtx, body)
	if err != nil {
		g.record("error", "chat_failed", err.Error())
		g.writeSyntheticCompletion(ctx, errorReport(err))
		return
	}

	processed, err := g.post.ProcessChatResponse(ctx, resp, base)
	if err != nil {
		g.log.Warn("response post-processing failed, returning raw body", "error", err)
		processed = resp
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(processed)
}

// writeSyntheticCompletion emits a normal 200 chat completion whose content
// is the given text.
func (g *Gateway) writeSyntheticCompletion(ctx *fasthttp.RequestCtx, content string) {
	out := map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   g.modelName,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	writeJSON(ctx, out)
}

// errorReport renders an upstream failure as human-readable chat content.
func errorReport(err error) string {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		raw := upErr.Raw
		if len(raw) > 500 {
			raw = raw[:500] + "..."
		}
		return fmt.Sprintf(
			"⚠️ The upstream provider rejected the request (HTTP %d): %s\n\n```\n%s\n```",
			upErr.Status, upErr.Message, raw)
	}
	return fmt.Sprintf("⚠️ Could not reach the upstream provider: %v", err)
}

// ── SSE frame helpers ─────────────────────────────────────────────────────────

// chunkWriter emits OpenAI chat.completion.chunk frames with one shared
// stream id.
type chunkWriter struct {
	w     *bufio.Writer
	id    string
	model string
	// failed is set once a write/flush fails (client gone); further frames
	// are dropped silently.
	failed bool
}

func newChunkWriter(w *bufio.Writer, model string) *chunkWriter {
	return &chunkWriter{
		w:     w,
		id:    "chatcmpl-" + uuid.NewString(),
		model: model,
	}
}

func (cw *chunkWriter) frame(delta map[string]any, finishReason any) {
	if cw.failed {
		return
	}
	chunk := map[string]any{
		"id":      cw.id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   cw.model,
		"choices": []map[string]any{
			{"index": 0, "delta": delta, "finish_reason": finishReason},
		},
	}
	data, _ := json.Marshal(chunk)
	if _, err := fmt.Fprintf(cw.w, "data: %s\n\n", data); err != nil {
		cw.failed = true
		return
	}
	if err := cw.w.Flush(); err != nil {
		cw.failed = true
	}
}

func (cw *chunkWriter) content(text string) {
	cw.frame(map[string]any{"content": text}, nil)
}

func (cw *chunkWriter) role() {
	cw.frame(map[string]any{"role": "assistant"}, nil)
}

func (cw *chunkWriter) finish() {
	cw.frame(map[string]any{}, "stop")
}

func (cw *chunkWriter) done() {
	if cw.failed {
		return
	}
	fmt.Fprint(cw.w, "data: [DONE]\n\n")
	cw.w.Flush()
}

func setSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// ── passthrough mode ──────────────────────────────────────────────────────────

// chatPassthrough relays the upstream SSE stream verbatim. Establishment
// failures burn the shared retry budget; after exhaustion the client still
// receives a terminal error frame sequence, never a dropped connection.
func (g *Gateway) chatPassthrough(ctx *fasthttp.RequestCtx, body []byte) {
	setSSEHeaders(ctx)

	stream, err := g.upstream.ChatCompletionsStream(g.baseCtx, body)
	if err != nil {
		g.record("error", "chat_stream_failed", err.Error())
		report := errorReport(err)
		model := g.modelName
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
			cw := newChunkWriter(w, model)
			cw.role()
			cw.content(report)
			cw.finish()
			cw.done()
		})
		return
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer stream.Close()

		cw := newChunkWriter(w, g.modelName)
		sawDone := false
		for {
			payload, err := stream.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				g.log.Warn("upstream stream broke mid-flight", "error", err)
				cw.content("\n\n⚠️ Upstream stream interrupted.")
				break
			}
			if payload == "[DONE]" {
				sawDone = true
				break
			}
			if _, werr := fmt.Fprintf(w, "data: %s\n\n", payload); werr != nil {
				return
			}
			if werr := w.Flush(); werr != nil {
				return
			}
		}
		if !sawDone {
			cw.finish()
		}
		cw.done()
	})
}

// ── interactive mode ──────────────────────────────────────────────────────────

// chatResult carries the background upstream call's outcome to the
// heartbeat loop.
type chatResult struct {
	body []byte
	err  error
}

// chatInteractive wraps a slow non-streaming upstream call in a synthesized
// SSE conversation: a welcome frame immediately, a heartbeat every three
// seconds while the upstream works, then the post-processed content. The
// stream always terminates with a finish frame and [DONE].
func (g *Gateway) chatInteractive(ctx *fasthttp.RequestCtx, body []byte) {
	setSSEHeaders(ctx)
	base := g.baseURL(ctx)

	// The upstream call deliberately outlives the request context: a client
	// that disconnects mid-generation stops frame emission, not the call.
	resultCh := make(chan chatResult, 1)
	go func() {
		resp, err := g.upstream.ChatCompletions(g.baseCtx, body)
		resultCh <- chatResult{body: resp, err: err}
	}()

	g.record("info", "interactive_generation_started", "")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		cw := newChunkWriter(w, g.modelName)
		cw.role()
		cw.content(welcomeText)

		start := time.Now()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		var result chatResult
	wait:
		for {
			select {
			case result = <-resultCh:
				break wait
			case <-ticker.C:
				g.metrics.StreamHeartbeats.Inc()
				cw.content(fmt.Sprintf("⏳ %ds elapsed...\n", int(time.Since(start).Seconds())))
			}
		}

		if result.err != nil {
			g.record("error", "interactive_generation_failed", result.err.Error())
			cw.content("\n" + errorReport(result.err))
			cw.finish()
			cw.done()
			return
		}

		processed, err := g.post.ProcessChatResponse(g.baseCtx, result.body, base)
		if err != nil {
			g.log.Warn("interactive post-processing failed", "error", err)
			processed = result.body
		}
		cw.content("\n" + extractContent(processed))
		cw.finish()
		cw.done()
	})
}

// extractContent pulls the first choice's message content as display text.
// Structured content falls back to its raw JSON so nothing is silently lost.
func extractContent(body []byte) string {
	content := gjson.GetBytes(body, "choices.0.message.content")
	if content.Type == gjson.String {
		return content.String()
	}
	if content.Exists() {
		return content.Raw
	}
	return ""
}
