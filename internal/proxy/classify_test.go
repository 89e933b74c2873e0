package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Keywords(t *testing.T) {
	c := NewClassifier(nil)

	cases := []struct {
		name string
		body string
		want Classification
	}{
		{
			"english draw verb",
			`{"messages":[{"role":"user","content":"Please draw a cat for me"}]}`,
			ClassImage,
		},
		{
			"english phrase",
			`{"messages":[{"role":"user","content":"generate an image of a sunset"}]}`,
			ClassImage,
		},
		{
			"case insensitive",
			`{"messages":[{"role":"user","content":"DRAW me something"}]}`,
			ClassImage,
		},
		{
			"chinese generation",
			`{"messages":[{"role":"user","content":"帮我生成一张富士山的图"}]}`,
			ClassImage,
		},
		{
			"chinese edit",
			`{"messages":[{"role":"user","content":"把这张照片换背景"}]}`,
			ClassImage,
		},
		{
			"plain question",
			`{"messages":[{"role":"user","content":"What is the capital of France?"}]}`,
			ClassPlain,
		},
		{
			"bare url triggers image path",
			`{"messages":[{"role":"user","content":"look at https://example.com/photo.png"}]}`,
			ClassImage,
		},
		{
			"no messages",
			`{"messages":[]}`,
			ClassPlain,
		},
		{
			"messages missing",
			`{"model":"picgate"}`,
			ClassPlain,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify([]byte(tc.body)))
		})
	}
}

func TestClassify_OnlyLastMessageCounts(t *testing.T) {
	c := NewClassifier(nil)

	// An earlier image request followed by a plain follow-up stays plain.
	body := `{"messages":[
		{"role":"user","content":"draw a cat"},
		{"role":"assistant","content":"here it is"},
		{"role":"user","content":"thanks, what breed is that?"}
	]}`
	assert.Equal(t, ClassPlain, c.Classify([]byte(body)))
}

func TestClassify_StructuredContent(t *testing.T) {
	c := NewClassifier(nil)

	cases := []struct {
		name string
		body string
		want Classification
	}{
		{
			"image_url item",
			`{"messages":[{"role":"user","content":[
				{"type":"text","text":"describe this"},
				{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}}
			]}]}`,
			ClassImage,
		},
		{
			"input_image item",
			`{"messages":[{"role":"user","content":[{"type":"input_image","image_url":"data:image/png;base64,AAAA"}]}]}`,
			ClassImage,
		},
		{
			"text item with keyword",
			`{"messages":[{"role":"user","content":[{"type":"text","text":"sketch a dog"}]}]}`,
			ClassImage,
		},
		{
			"text items only, no keyword",
			`{"messages":[{"role":"user","content":[{"type":"text","text":"hello there"}]}]}`,
			ClassPlain,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify([]byte(tc.body)))
		})
	}
}

func TestClassify_CustomKeywords(t *testing.T) {
	c := NewClassifier([]string{"blorp"})

	assert.Equal(t, ClassImage,
		c.Classify([]byte(`{"messages":[{"role":"user","content":"please blorp this"}]}`)))

	// Custom list replaces the built-in vocabulary entirely.
	assert.Equal(t, ClassPlain,
		c.Classify([]byte(`{"messages":[{"role":"user","content":"draw a cat"}]}`)))
}
