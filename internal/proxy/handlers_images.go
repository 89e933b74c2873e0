package proxy

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/zhizinan1997/pic-gate/internal/images"
	"github.com/zhizinan1997/pic-gate/pkg/apierr"
)

const thumbnailMaxDim = 256

// handleGenerations proxies POST /v1/images/generations. The upstream is
// always asked for base64; clients always receive stable gateway URLs.
func (g *Gateway) handleGenerations(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	if gjson.GetBytes(body, "prompt").String() == "" {
		apierr.WriteInvalidRequest(ctx, "'prompt' is required")
		return
	}

	resp, err := g.upstream.Generations(g.baseCtx, body)
	if err != nil {
		g.record("error", "generation_failed", err.Error())
		handleUpstreamError(ctx, err)
		return
	}
	g.writeImageResponse(ctx, resp)
}

// handleEdits proxies POST /v1/images/edits. The image and mask fields may
// be gateway URLs; the rewriter resolves them to base64 first.
func (g *Gateway) handleEdits(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	if gjson.GetBytes(body, "prompt").String() == "" {
		apierr.WriteInvalidRequest(ctx, "'prompt' is required")
		return
	}
	if gjson.GetBytes(body, "image").String() == "" {
		apierr.WriteInvalidRequest(ctx, "'image' is required")
		return
	}

	rewritten, err := g.rewriter.RewriteBody(ctx, body)
	if err != nil {
		g.record("warn", "edit_rewrite_rejected", err.Error())
		handleRewriteError(ctx, err)
		return
	}

	resp, err := g.upstream.Edits(g.baseCtx, rewritten)
	if err != nil {
		g.record("error", "edit_failed", err.Error())
		handleUpstreamError(ctx, err)
		return
	}
	g.writeImageResponse(ctx, resp)
}

// writeImageResponse converts an upstream images response (b64_json items)
// into the URL-bearing shape clients expect.
func (g *Gateway) writeImageResponse(ctx *fasthttp.RequestCtx, upstreamResp []byte) {
	base := g.baseURL(ctx)

	created := gjson.GetBytes(upstreamResp, "created").Int()
	if created == 0 {
		created = time.Now().Unix()
	}

	var items []map[string]any
	for _, item := range gjson.GetBytes(upstreamResp, "data").Array() {
		payload := item.Get("b64_json").String()
		if payload == "" {
			// Some upstreams ignore response_format and return URLs; pass
			// them through rather than dropping the item.
			if u := item.Get("url").String(); u != "" {
				items = append(items, map[string]any{"url": u})
			}
			continue
		}
		id, err := g.images.SaveFromBase64(ctx, payload)
		if err != nil {
			g.log.Error("failed to store generated image", "error", err)
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"failed to store generated image", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		out := map[string]any{"url": fmt.Sprintf("%s/images/%s", base, id)}
		if rp := item.Get("revised_prompt").String(); rp != "" {
			out["revised_prompt"] = rp
		}
		items = append(items, out)
	}

	g.record("info", "images_generated", fmt.Sprintf("%d image(s)", len(items)))
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(ctx, map[string]any{
		"created": created,
		"data":    items,
	})
}

// handleImage serves GET /images/{id}, falling back to the archive and
// restoring the local copy transparently.
func (g *Gateway) handleImage(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	data, contentType, err := g.images.Get(ctx, id)
	if err != nil {
		if errors.Is(err, images.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound,
				"image not found", apierr.TypeNotFoundError, apierr.CodeImageNotFound)
			return
		}
		g.log.Error("image read failed", "id", id, "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to read image", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetContentType(contentType)
	ctx.Response.Header.Set("Cache-Control", "public, max-age=31536000, immutable")
	ctx.SetBody(data)
}

// handleThumbnail serves GET /images/{id}/thumbnail from the local tier only.
func (g *Gateway) handleThumbnail(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	thumb, err := g.images.Thumbnail(ctx, id, thumbnailMaxDim)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"image not found", apierr.TypeNotFoundError, apierr.CodeImageNotFound)
		return
	}
	ctx.SetContentType("image/png")
	ctx.Response.Header.Set("Cache-Control", "public, max-age=3600")
	ctx.SetBody(thumb)
}
