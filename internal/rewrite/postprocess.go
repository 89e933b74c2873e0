package rewrite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// ImageSaver stores decoded image data and returns the new image id.
type ImageSaver interface {
	SaveFromBase64(ctx context.Context, b64 string) (string, error)
}

var (
	// markdownB64Re matches a markdown image whose target is a base64 data URI.
	markdownB64Re = regexp.MustCompile(`!\[([^\]]*)\]\((data:image/[^;]+;base64,[A-Za-z0-9+/=]+)\)`)

	// bareB64Re matches a base64 image data URI outside markdown syntax.
	bareB64Re = regexp.MustCompile(`data:image/[^;]+;base64,[A-Za-z0-9+/=]+`)

	// thinkRe matches a leading model reasoning block.
	thinkRe = regexp.MustCompile(`(?s)^\s*<think>.*?</think>\s*`)
)

// PostProcessor rewrites upstream responses: every embedded base64 image is
// stored and replaced with a stable gateway URL.
type PostProcessor struct {
	saver ImageSaver
	log   *slog.Logger
}

// NewPostProcessor builds the outbound base64→URL processor.
func NewPostProcessor(saver ImageSaver, log *slog.Logger) *PostProcessor {
	return &PostProcessor{saver: saver, log: log}
}

// ProcessChatResponse rewrites a chat-completion response body in place.
// baseURL is the public prefix for stored image URLs, without trailing slash.
// Failures to store an individual image leave that span unmodified.
func (p *PostProcessor) ProcessChatResponse(ctx context.Context, body []byte, baseURL string) ([]byte, error) {
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("rewrite: invalid response JSON: %w", err)
	}

	choices, _ := resp["choices"].([]any)
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		for _, field := range []string{"message", "delta"} {
			if msg, ok := choice[field].(map[string]any); ok {
				p.processMessage(ctx, msg, baseURL)
			}
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("rewrite: re-encode response: %w", err)
	}
	return out, nil
}

// ProcessText rewrites base64 images inside a bare content string and returns
// the result. Shared with the interactive streaming path, which assembles the
// final frame from text rather than a full response body.
func (p *PostProcessor) ProcessText(ctx context.Context, text, baseURL string) string {
	text = thinkRe.ReplaceAllString(text, "")
	return p.replaceInlineB64(ctx, text, baseURL)
}

func (p *PostProcessor) processMessage(ctx context.Context, msg map[string]any, baseURL string) {
	// Some providers return generated images out-of-band in an "images"
	// field. Fold them into content as markdown before handling content.
	if images, ok := msg["images"].([]any); ok {
		var mds []string
		for _, item := range images {
			if md := p.storeOutOfBandImage(ctx, item, baseURL); md != "" {
				mds = append(mds, md)
			}
		}
		if len(mds) > 0 {
			existing, _ := msg["content"].(string)
			joined := strings.Join(mds, "\n\n")
			if existing != "" {
				msg["content"] = existing + "\n\n" + joined
			} else {
				msg["content"] = joined
			}
		}
		delete(msg, "images")
	}

	switch content := msg["content"].(type) {
	case string:
		msg["content"] = p.ProcessText(ctx, content, baseURL)

	case []any:
		for _, elem := range content {
			item, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			p.processContentItem(ctx, item, baseURL)
		}
	}
}

// processContentItem replaces base64 payloads inside structured content
// entries of type image or image_url with stored URLs.
func (p *PostProcessor) processContentItem(ctx context.Context, item map[string]any, baseURL string) {
	switch item["type"] {
	case "image_url":
		switch inner := item["image_url"].(type) {
		case map[string]any:
			if rawURL, _ := inner["url"].(string); isInlineImage(rawURL) {
				if stored, ok := p.store(ctx, rawURL, baseURL); ok {
					inner["url"] = stored
				}
			}
		case string:
			if isInlineImage(inner) {
				if stored, ok := p.store(ctx, inner, baseURL); ok {
					item["image_url"] = stored
				}
			}
		}
	case "image":
		if s, _ := item["image"].(string); isInlineImage(s) {
			if stored, ok := p.store(ctx, s, baseURL); ok {
				item["image"] = stored
			}
		}
	case "text":
		if s, _ := item["text"].(string); s != "" {
			item["text"] = p.replaceInlineB64(ctx, s, baseURL)
		}
	}
}

// replaceInlineB64 substitutes every embedded base64 data URI in s with a
// stored URL, markdown-wrapped images first so their alt text survives.
// Only the matched span is replaced; surrounding text is preserved exactly.
func (p *PostProcessor) replaceInlineB64(ctx context.Context, s, baseURL string) string {
	s = markdownB64Re.ReplaceAllStringFunc(s, func(match string) string {
		groups := markdownB64Re.FindStringSubmatch(match)
		stored, ok := p.store(ctx, groups[2], baseURL)
		if !ok {
			return match
		}
		return "![" + groups[1] + "](" + stored + ")"
	})
	return bareB64Re.ReplaceAllStringFunc(s, func(match string) string {
		stored, ok := p.store(ctx, match, baseURL)
		if !ok {
			return match
		}
		return stored
	})
}

// storeOutOfBandImage saves one entry of an "images" field and returns it as
// a markdown image link, or "" when nothing storable was found.
func (p *PostProcessor) storeOutOfBandImage(ctx context.Context, item any, baseURL string) string {
	var payload string
	switch v := item.(type) {
	case string:
		payload = v
	case map[string]any:
		if s, _ := v["b64_json"].(string); s != "" {
			payload = s
		} else if inner, ok := v["image_url"].(map[string]any); ok {
			payload, _ = inner["url"].(string)
		} else if s, _ := v["url"].(string); s != "" {
			payload = s
		}
	}
	if payload == "" {
		return ""
	}
	stored, ok := p.store(ctx, payload, baseURL)
	if !ok {
		return ""
	}
	return "![image](" + stored + ")"
}

func (p *PostProcessor) store(ctx context.Context, b64 string, baseURL string) (string, bool) {
	id, err := p.saver.SaveFromBase64(ctx, b64)
	if err != nil {
		p.log.Warn("failed to store upstream image", "error", err)
		return "", false
	}
	return baseURL + "/images/" + id, true
}
