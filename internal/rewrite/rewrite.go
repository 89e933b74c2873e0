// Package rewrite converts image references inside OpenAI-style request and
// response payloads between URL and inline base64 form.
//
// The inbound rewriter walks an arbitrary decoded JSON value and replaces
// every image URL with a data URI so the upstream model sees inline bytes.
// The outbound post-processor does the reverse on upstream responses,
// storing returned base64 images and substituting stable gateway URLs.
//
// The traversal is schema-tolerant: unknown keys and content types recurse
// generically, so new upstream payload shapes pass through unharmed.
package rewrite

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// ImageSource resolves gateway-stored images to data URIs.
type ImageSource interface {
	GetDataURI(ctx context.Context, id string) (string, error)
}

// Fetcher downloads external image URLs.
type Fetcher interface {
	// FetchImage returns the content type and bytes for an image URL.
	// Non-image responses are an error.
	FetchImage(ctx context.Context, rawURL string) (contentType string, data []byte, err error)
}

// SecurityError aborts an entire rewrite: an external URL was referenced
// while external fetching is disabled. Skipping the image instead would
// silently corrupt the conversation.
type SecurityError struct {
	URL string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("external image fetch disabled, refusing URL %q", truncate(e.URL, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// markdownImageRe matches ![alt](url) with any URL target.
	markdownImageRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)

	// htmlImageRe matches <img src="url"> with either quote style.
	htmlImageRe = regexp.MustCompile(`<img[^>]+src=["']([^"']+)["'][^>]*>`)
)

// Rewriter is the inbound URL→base64 engine. Safe for concurrent use; all
// per-call state lives in a callContext.
type Rewriter struct {
	images        ImageSource
	fetcher       Fetcher
	allowExternal bool
	log           *slog.Logger
}

// New builds a Rewriter. fetcher may be nil when external fetching is
// disabled.
func New(images ImageSource, fetcher Fetcher, allowExternal bool, log *slog.Logger) *Rewriter {
	return &Rewriter{
		images:        images,
		fetcher:       fetcher,
		allowExternal: allowExternal,
		log:           log,
	}
}

// callContext deduplicates URL resolution within one top-level rewrite call.
type callContext struct {
	// resolved maps source URL to data URI. Failed external fetches are
	// recorded as "" so they are not retried within the call.
	resolved map[string]string
}

// RewriteBody decodes a JSON request body, rewrites every image reference to
// inline base64, and re-encodes. A *SecurityError fails the whole call; all
// other per-item resolution failures leave the reference untouched.
func (r *Rewriter) RewriteBody(ctx context.Context, body []byte) ([]byte, error) {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, fmt.Errorf("rewrite: invalid JSON body: %w", err)
	}
	out, err := r.rewriteValue(ctx, &callContext{resolved: map[string]string{}}, value)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("rewrite: re-encode: %w", err)
	}
	return encoded, nil
}

func (r *Rewriter) rewriteValue(ctx context.Context, cc *callContext, v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return r.rewriteMap(ctx, cc, val)
	case []any:
		for i, elem := range val {
			out, err := r.rewriteValue(ctx, cc, elem)
			if err != nil {
				return nil, err
			}
			val[i] = out
		}
		return val, nil
	default:
		return v, nil
	}
}

func (r *Rewriter) rewriteMap(ctx context.Context, cc *callContext, m map[string]any) (any, error) {
	for key, v := range m {
		switch key {
		case "image", "init_image", "mask":
			s, ok := v.(string)
			if !ok {
				break
			}
			if isInlineImage(s) {
				continue
			}
			if uri, err := r.resolve(ctx, cc, s); err != nil {
				if isFatal(err) {
					return nil, err
				}
				r.log.Warn("image reference left unresolved", "key", key, "error", err)
			} else {
				m[key] = uri
			}
			continue

		case "content":
			out, err := r.rewriteContent(ctx, cc, v)
			if err != nil {
				return nil, err
			}
			m[key] = out
			continue

		case "arguments":
			s, ok := v.(string)
			if !ok {
				break
			}
			var decoded any
			if json.Unmarshal([]byte(s), &decoded) != nil {
				// Non-JSON arguments pass through.
				continue
			}
			out, err := r.rewriteValue(ctx, cc, decoded)
			if err != nil {
				return nil, err
			}
			reencoded, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("rewrite: re-encode arguments: %w", err)
			}
			m[key] = string(reencoded)
			continue
		}

		out, err := r.rewriteValue(ctx, cc, v)
		if err != nil {
			return nil, err
		}
		m[key] = out
	}
	return m, nil
}

// contentHandler rewrites one element of a structured content array, keyed by
// its "type" tag. An open map rather than a closed switch: upstreams grow new
// content types and unknown ones must recurse generically.
type contentHandler func(r *Rewriter, ctx context.Context, cc *callContext, item map[string]any) error

var contentHandlers = map[string]contentHandler{
	"image_url":   rewriteImageURLItem,
	"input_image": rewriteImageURLItem,
	"image":       rewriteImageItem,
	"text":        rewriteTextItem,
}

func (r *Rewriter) rewriteContent(ctx context.Context, cc *callContext, v any) (any, error) {
	switch content := v.(type) {
	case []any:
		for i, elem := range content {
			item, ok := elem.(map[string]any)
			if !ok {
				out, err := r.rewriteValue(ctx, cc, elem)
				if err != nil {
					return nil, err
				}
				content[i] = out
				continue
			}
			typ, _ := item["type"].(string)
			if h, ok := contentHandlers[typ]; ok {
				if err := h(r, ctx, cc, item); err != nil {
					return nil, err
				}
				continue
			}
			if _, err := r.rewriteValue(ctx, cc, item); err != nil {
				return nil, err
			}
		}
		return content, nil

	case string:
		return r.rewriteContentString(ctx, cc, content)

	default:
		return r.rewriteValue(ctx, cc, v)
	}
}

// rewriteImageURLItem handles {"type":"image_url","image_url":{"url":...}}
// and the equivalent input_image shape. The url may also be a bare string
// instead of a nested object; the original shape is preserved.
func rewriteImageURLItem(r *Rewriter, ctx context.Context, cc *callContext, item map[string]any) error {
	for _, field := range []string{"image_url", "input_image"} {
		switch inner := item[field].(type) {
		case map[string]any:
			rawURL, _ := inner["url"].(string)
			if rawURL == "" || isInlineImage(rawURL) {
				continue
			}
			uri, err := r.resolve(ctx, cc, rawURL)
			if err != nil {
				if isFatal(err) {
					return err
				}
				r.log.Warn("image_url left unresolved", "error", err)
				continue
			}
			inner["url"] = uri
		case string:
			if inner == "" || isInlineImage(inner) {
				continue
			}
			uri, err := r.resolve(ctx, cc, inner)
			if err != nil {
				if isFatal(err) {
					return err
				}
				r.log.Warn("image_url left unresolved", "error", err)
				continue
			}
			item[field] = uri
		}
	}
	return nil
}

// rewriteImageItem handles {"type":"image","image":"<url or base64>"}.
func rewriteImageItem(r *Rewriter, ctx context.Context, cc *callContext, item map[string]any) error {
	s, ok := item["image"].(string)
	if !ok || s == "" || isInlineImage(s) {
		return nil
	}
	uri, err := r.resolve(ctx, cc, s)
	if err != nil {
		if isFatal(err) {
			return err
		}
		r.log.Warn("image item left unresolved", "error", err)
		return nil
	}
	item["image"] = uri
	return nil
}

// rewriteTextItem resolves markdown and HTML image references inside a text
// content item, substituting data URIs in place.
func rewriteTextItem(r *Rewriter, ctx context.Context, cc *callContext, item map[string]any) error {
	s, ok := item["text"].(string)
	if !ok || s == "" {
		return nil
	}
	out, err := r.resolveInlineRefs(ctx, cc, s)
	if err != nil {
		return err
	}
	item["text"] = out
	return nil
}

// resolveInlineRefs replaces every resolvable markdown/HTML image URL in s
// with its data URI. Per-item failures leave the original text untouched.
func (r *Rewriter) resolveInlineRefs(ctx context.Context, cc *callContext, s string) (string, error) {
	var fatal error
	replaceURL := func(match, rawURL string) string {
		if isInlineImage(rawURL) {
			return match
		}
		uri, err := r.resolve(ctx, cc, rawURL)
		if err != nil {
			if isFatal(err) {
				fatal = err
			} else {
				r.log.Warn("inline image left unresolved", "error", err)
			}
			return match
		}
		return strings.Replace(match, rawURL, uri, 1)
	}

	out := markdownImageRe.ReplaceAllStringFunc(s, func(match string) string {
		groups := markdownImageRe.FindStringSubmatch(match)
		return replaceURL(match, groups[2])
	})
	if fatal != nil {
		return "", fatal
	}
	out = htmlImageRe.ReplaceAllStringFunc(out, func(match string) string {
		groups := htmlImageRe.FindStringSubmatch(match)
		return replaceURL(match, groups[1])
	})
	if fatal != nil {
		return "", fatal
	}
	return out, nil
}

// rewriteContentString converts a plain string content that embeds markdown
// images into a structured sequence of text and image_url segments. Order
// and surrounding text are preserved exactly. A string with no image match
// is returned unchanged as a string.
func (r *Rewriter) rewriteContentString(ctx context.Context, cc *callContext, s string) (any, error) {
	matches := markdownImageRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var segments []any
	pos := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		rawURL := s[m[4]:m[5]]

		var uri string
		if isInlineImage(rawURL) {
			uri = rawURL
		} else {
			resolved, err := r.resolve(ctx, cc, rawURL)
			if err != nil {
				if isFatal(err) {
					return nil, err
				}
				r.log.Warn("markdown image left unresolved", "error", err)
				// The whole match stays literal text.
				continue
			}
			uri = resolved
		}

		if start > pos {
			segments = append(segments, map[string]any{
				"type": "text",
				"text": s[pos:start],
			})
		}
		segments = append(segments, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": uri},
		})
		pos = end
	}

	if len(segments) == 0 {
		return s, nil
	}
	if pos < len(s) {
		segments = append(segments, map[string]any{
			"type": "text",
			"text": s[pos:],
		})
	}
	return segments, nil
}

// ── URL resolution ────────────────────────────────────────────────────────────

// unresolvableError marks non-fatal per-item failures.
type unresolvableError struct {
	reason string
}

func (e *unresolvableError) Error() string { return "rewrite: " + e.reason }

func isFatal(err error) bool {
	_, ok := err.(*SecurityError)
	return ok
}

// resolve turns an image URL into a data URI, consulting the per-call cache
// first. Gateway-local /images/{uuid} references go through the image store;
// anything else is an external URL subject to the fetch policy.
func (r *Rewriter) resolve(ctx context.Context, cc *callContext, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", &unresolvableError{reason: "empty URL"}
	}

	if cached, ok := cc.resolved[rawURL]; ok {
		if cached == "" {
			return "", &unresolvableError{reason: "previously failed in this call"}
		}
		return cached, nil
	}

	if id, ok := ExtractImageID(rawURL); ok {
		uri, err := r.images.GetDataURI(ctx, id)
		if err != nil {
			return "", &unresolvableError{reason: fmt.Sprintf("stored image %s: %v", id, err)}
		}
		cc.resolved[rawURL] = uri
		return uri, nil
	}

	if !r.allowExternal {
		return "", &SecurityError{URL: rawURL}
	}
	if r.fetcher == nil {
		return "", &unresolvableError{reason: "no external fetcher configured"}
	}

	contentType, data, err := r.fetcher.FetchImage(ctx, rawURL)
	if err != nil {
		cc.resolved[rawURL] = ""
		return "", &unresolvableError{reason: fmt.Sprintf("fetch %s: %v", truncate(rawURL, 120), err)}
	}
	if contentType == "" {
		contentType = GuessContentType(rawURL)
	}
	uri := "data:" + contentType + ";base64," + encodeBase64(data)
	cc.resolved[rawURL] = uri
	return uri, nil
}

// ExtractImageID recovers a gateway image id from a URL containing an
// /images/{uuid} path segment. Query strings, fragments and percent-encoding
// are stripped before matching; anything not UUID-shaped is rejected.
func ExtractImageID(rawURL string) (string, bool) {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	} else {
		if i := strings.IndexAny(path, "?#"); i >= 0 {
			path = path[:i]
		}
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] != "images" {
			continue
		}
		candidate := segments[i+1]
		if uuidRe.MatchString(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// isInlineImage reports whether s already carries inline image data.
func isInlineImage(s string) bool {
	return strings.HasPrefix(s, "data:image/") || strings.HasPrefix(s, "data:application/octet-stream;base64,")
}

// GuessContentType derives a MIME type from a URL's file extension. Used
// only to label freshly fetched bytes; never trusted for storage decisions.
func GuessContentType(rawURL string) string {
	path := rawURL
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch {
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(path, ".gif"):
		return "image/gif"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	case strings.HasSuffix(path, ".svg"):
		return "image/svg+xml"
	default:
		return "image/png"
	}
}
