package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func TestBaseURL_ConfiguredWins(t *testing.T) {
	g := &Gateway{publicBaseURL: "https://img.example.com"}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Forwarded-Host", "other.example.com")

	assert.Equal(t, "https://img.example.com", g.baseURL(ctx))
}

func TestBaseURL_XForwardedHeaders(t *testing.T) {
	g := &Gateway{}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Forwarded-Proto", "https")
	ctx.Request.Header.Set("X-Forwarded-Host", "gw.example.com")

	assert.Equal(t, "https://gw.example.com", g.baseURL(ctx))
}

func TestBaseURL_ForwardedHeader(t *testing.T) {
	g := &Gateway{}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Forwarded", `for=10.0.0.1;proto=https;host=fw.example.com, for=10.0.0.2`)

	assert.Equal(t, "https://fw.example.com", g.baseURL(ctx))
}

func TestBaseURL_HostFallback(t *testing.T) {
	g := &Gateway{}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetHost("localhost:5643")

	assert.Equal(t, "http://localhost:5643", g.baseURL(ctx))
}

func TestParseForwarded(t *testing.T) {
	cases := []struct {
		header string
		scheme string
		host   string
	}{
		{"", "", ""},
		{"for=1.2.3.4;proto=https;host=a.example.com", "https", "a.example.com"},
		{`proto=https;host="b.example.com"`, "https", "b.example.com"},
		{"PROTO=https;HOST=c.example.com", "https", "c.example.com"},
		{"for=1.2.3.4", "", ""},
		{"proto=http;host=first.example.com, proto=https;host=second.example.com", "http", "first.example.com"},
	}

	for _, tc := range cases {
		scheme, host := parseForwarded(tc.header)
		assert.Equal(t, tc.scheme, scheme, "header %q", tc.header)
		assert.Equal(t, tc.host, host, "header %q", tc.header)
	}
}
