package proxy

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Classification of a streaming chat request.
type Classification int

const (
	// ClassPlain streams the upstream response through verbatim.
	ClassPlain Classification = iota
	// ClassImage wraps a slow non-streaming upstream call in synthesized
	// heartbeat frames.
	ClassImage
)

// defaultImageKeywords is the built-in drawing/editing vocabulary, English
// and Chinese. Overridable via IMAGE_KEYWORDS.
var defaultImageKeywords = []string{
	// English
	"draw", "paint", "sketch", "illustrate", "render",
	"generate an image", "generate a picture", "create an image",
	"create a picture", "make an image", "make a picture",
	"image of", "picture of", "photo of",
	"edit the image", "edit this image", "modify the image",
	"change the image", "redraw", "regenerate the image",
	"remove the background", "change the background",
	// Chinese
	"画", "绘制", "画一", "画个", "画张", "画出",
	"生成图片", "生成图像", "生成一张", "创建图片",
	"修改图片", "编辑图片", "改图", "重绘", "重新生成图片",
	"换背景", "去背景", "图生图", "照片", "插画", "素描",
}

var bareURLRe = regexp.MustCompile(`https?://[^\s<>"']+`)

// Classifier decides whether a chat request asks for image work. Pure and
// deterministic so behavior is unit-testable without network access.
type Classifier struct {
	keywords []string
}

// NewClassifier builds a classifier; an empty keyword list selects the
// built-in vocabulary.
func NewClassifier(keywords []string) *Classifier {
	if len(keywords) == 0 {
		keywords = defaultImageKeywords
	}
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return &Classifier{keywords: lowered}
}

// Classify inspects the final message of a chat-completion request body.
// A request is image-bearing when the final message's text matches the
// keyword list, contains a bare HTTP(S) URL, or the message carries any
// structured image content item.
func (c *Classifier) Classify(body []byte) Classification {
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return ClassPlain
	}
	arr := msgs.Array()
	if len(arr) == 0 {
		return ClassPlain
	}
	last := arr[len(arr)-1]

	content := last.Get("content")
	switch {
	case content.Type == gjson.String:
		if c.textIsImageBearing(content.String()) {
			return ClassImage
		}

	case content.IsArray():
		image := false
		content.ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "image_url", "input_image", "image":
				image = true
				return false
			case "text":
				if c.textIsImageBearing(item.Get("text").String()) {
					image = true
					return false
				}
			}
			return true
		})
		if image {
			return ClassImage
		}
	}
	return ClassPlain
}

func (c *Classifier) textIsImageBearing(text string) bool {
	if text == "" {
		return false
	}
	if bareURLRe.MatchString(text) {
		return true
	}
	lowered := strings.ToLower(text)
	for _, kw := range c.keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
