package rewrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeSaver struct {
	saved []string
	fail  bool
}

func (f *fakeSaver) SaveFromBase64(_ context.Context, b64 string) (string, error) {
	if f.fail {
		return "", errors.New("disk full")
	}
	f.saved = append(f.saved, b64)
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", len(f.saved)), nil
}

const base = "https://gw.example.com"

func processChat(t *testing.T, p *PostProcessor, body string) map[string]any {
	t.Helper()
	out, err := p.ProcessChatResponse(context.Background(), []byte(body), base)
	if err != nil {
		t.Fatalf("ProcessChatResponse: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func messageContent(t *testing.T, m map[string]any) any {
	t.Helper()
	return m["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)["content"]
}

// TestMarkdownBase64ToURL verifies the markdown round trip: alt text and
// surrounding text survive, only the data URI span is replaced.
func TestMarkdownBase64ToURL(t *testing.T) {
	saver := &fakeSaver{}
	p := NewPostProcessor(saver, discard())

	body := `{"choices":[{"message":{"role":"assistant",
		"content":"see ![cat](data:image/png;base64,QUJD) now"}}]}`
	m := processChat(t, p, body)

	want := "see ![cat](" + base + "/images/00000000-0000-0000-0000-000000000001) now"
	if got := messageContent(t, m); got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
	if len(saver.saved) != 1 || saver.saved[0] != "data:image/png;base64,QUJD" {
		t.Errorf("saved = %v", saver.saved)
	}
}

// TestBareBase64ToURL replaces a naked data URI with the stored URL.
func TestBareBase64ToURL(t *testing.T) {
	p := NewPostProcessor(&fakeSaver{}, discard())

	body := `{"choices":[{"message":{"content":"here: data:image/jpeg;base64,QUJD done"}}]}`
	m := processChat(t, p, body)

	got := messageContent(t, m).(string)
	if strings.Contains(got, "base64") {
		t.Errorf("data URI survived: %q", got)
	}
	if !strings.HasPrefix(got, "here: "+base+"/images/") || !strings.HasSuffix(got, " done") {
		t.Errorf("surrounding text damaged: %q", got)
	}
}

// TestThinkBlockStripped removes a leading reasoning trace before rewriting.
func TestThinkBlockStripped(t *testing.T) {
	p := NewPostProcessor(&fakeSaver{}, discard())

	body := `{"choices":[{"message":{"content":"<think>hmm\nmore</think>answer"}}]}`
	m := processChat(t, p, body)
	if got := messageContent(t, m); got != "answer" {
		t.Errorf("content = %q", got)
	}
}

// TestOutOfBandImagesFolded moves an images field into content as markdown.
func TestOutOfBandImagesFolded(t *testing.T) {
	saver := &fakeSaver{}
	p := NewPostProcessor(saver, discard())

	body := `{"choices":[{"message":{
		"content":"done",
		"images":[{"b64_json":"QUJD"},{"image_url":{"url":"data:image/png;base64,REVG"}}]
	}}]}`
	m := processChat(t, p, body)

	msg := m["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	if _, still := msg["images"]; still {
		t.Error("images field not removed")
	}
	content := msg["content"].(string)
	if !strings.HasPrefix(content, "done") || strings.Count(content, "![image](") != 2 {
		t.Errorf("content = %q", content)
	}
	if len(saver.saved) != 2 {
		t.Errorf("saved = %d images, want 2", len(saver.saved))
	}
}

// TestStructuredContentImages replaces base64 inside structured entries.
func TestStructuredContentImages(t *testing.T) {
	p := NewPostProcessor(&fakeSaver{}, discard())

	body := `{"choices":[{"message":{"content":[
		{"type":"image_url","image_url":{"url":"data:image/png;base64,QUJD"}},
		{"type":"image","image":"data:image/png;base64,REVG"},
		{"type":"text","text":"keep"}
	]}}]}`
	m := processChat(t, p, body)

	content := messageContent(t, m).([]any)
	url0 := content[0].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	if !strings.HasPrefix(url0, base+"/images/") {
		t.Errorf("image_url = %q", url0)
	}
	url1 := content[1].(map[string]any)["image"].(string)
	if !strings.HasPrefix(url1, base+"/images/") {
		t.Errorf("image = %q", url1)
	}
	if content[2].(map[string]any)["text"] != "keep" {
		t.Errorf("text item modified: %v", content[2])
	}
}

// TestSaveFailureLeavesSpan keeps the original data URI when storage fails.
func TestSaveFailureLeavesSpan(t *testing.T) {
	p := NewPostProcessor(&fakeSaver{fail: true}, discard())

	body := `{"choices":[{"message":{"content":"x data:image/png;base64,QUJD y"}}]}`
	m := processChat(t, p, body)
	if got := messageContent(t, m); got != "x data:image/png;base64,QUJD y" {
		t.Errorf("content = %q", got)
	}
}

// TestProcessText is the string-level entry used by interactive streaming.
func TestProcessText(t *testing.T) {
	p := NewPostProcessor(&fakeSaver{}, discard())

	got := p.ProcessText(context.Background(),
		"<think>t</think>![a](data:image/png;base64,QUJD)", base)
	want := "![a](" + base + "/images/00000000-0000-0000-0000-000000000001)"
	if got != want {
		t.Errorf("ProcessText = %q, want %q", got, want)
	}
}
