// Package proxy is the OpenAI-compatible HTTP surface of the gateway.
//
// The Gateway receives an incoming request, authenticates it, runs the
// payload rewriter so the upstream sees inline base64 images, forwards to
// the upstream provider, and post-processes the response so clients see
// stable gateway URLs instead of base64 blobs.
//
// Key design constraints:
//   - Every response is a well-formed OpenAI shape; upstream failures become
//     in-band content or structured error envelopes, never bare 5xx bodies.
//   - Streaming responses always reach a terminal [DONE] marker.
//   - All I/O uses context.Context so timeouts propagate correctly.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/zhizinan1997/pic-gate/internal/config"
	"github.com/zhizinan1997/pic-gate/internal/images"
	"github.com/zhizinan1997/pic-gate/internal/logger"
	"github.com/zhizinan1997/pic-gate/internal/metrics"
	"github.com/zhizinan1997/pic-gate/internal/rewrite"
	"github.com/zhizinan1997/pic-gate/internal/upstream"
	"github.com/zhizinan1997/pic-gate/pkg/apierr"
)

// Version is the gateway version reported by /health and build info.
const Version = "1.2.0"

// Gateway is the HTTP front end — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	images     *images.Service
	rewriter   *rewrite.Rewriter
	post       *rewrite.PostProcessor
	upstream   *upstream.Client
	classifier *Classifier
	activity   *logger.ActivityLog
	metrics    *metrics.Metrics
	log        *slog.Logger

	apiKey        string
	modelName     string
	publicBaseURL string
	corsOrigins   []string
	baseCtx       context.Context
	srv           *fasthttp.Server
}

// NewGateway wires the HTTP surface. activity may be nil to disable the
// admin log buffer.
func NewGateway(
	baseCtx context.Context,
	cfg *config.Config,
	imgs *images.Service,
	rw *rewrite.Rewriter,
	post *rewrite.PostProcessor,
	up *upstream.Client,
	activity *logger.ActivityLog,
	m *metrics.Metrics,
	log *slog.Logger,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		images:        imgs,
		rewriter:      rw,
		post:          post,
		upstream:      up,
		classifier:    NewClassifier(cfg.ImageKeywords),
		activity:      activity,
		metrics:       m,
		log:           log,
		apiKey:        cfg.Gateway.APIKey,
		modelName:     cfg.Gateway.ModelName,
		publicBaseURL: cfg.Gateway.PublicBaseURL,
		corsOrigins:   cfg.CORSOrigins,
		baseCtx:       baseCtx,
	}
}

// record appends one entry to the admin activity log. Never blocks.
func (g *Gateway) record(level, event, detail string) {
	if g.activity == nil {
		return
	}
	g.activity.Append(logger.Entry{
		Time:   time.Now(),
		Level:  level,
		Event:  event,
		Detail: detail,
	})
}

// handleUpstreamError maps upstream errors to the appropriate structured
// HTTP response for the non-chat paths.
//
//	statusCoder (upstream responses with HTTP codes) → remapped (429/502)
//	context.DeadlineExceeded                         → 504 Gateway Timeout
//	all other errors                                 → 502 Bad Gateway
func handleUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	type statusCoder interface{ HTTPStatus() int }

	if sc, ok := err.(statusCoder); ok {
		apierr.WriteUpstreamError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeUpstreamError, apierr.CodeUpstreamError)
}

// handleRewriteError distinguishes the fatal security gate from malformed
// input on the inbound rewrite path.
func handleRewriteError(ctx *fasthttp.RequestCtx, err error) {
	var secErr *rewrite.SecurityError
	if errors.As(err, &secErr) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			secErr.Error(), apierr.TypeSecurityError, apierr.CodeExternalFetchBlocked)
		return
	}
	apierr.WriteInvalidRequest(ctx, err.Error())
}
