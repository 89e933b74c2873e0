package proxy

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// baseURL returns the public prefix for image URLs handed back to clients.
// A configured PUBLIC_BASE_URL wins; otherwise the URL is inferred from the
// request, preferring X-Forwarded-* headers set by reverse proxies, then the
// RFC 7239 Forwarded header, then the plain Host header.
func (g *Gateway) baseURL(ctx *fasthttp.RequestCtx) string {
	if g.publicBaseURL != "" {
		return g.publicBaseURL
	}

	scheme := string(ctx.Request.Header.Peek("X-Forwarded-Proto"))
	host := string(ctx.Request.Header.Peek("X-Forwarded-Host"))

	if scheme == "" || host == "" {
		if fwdScheme, fwdHost := parseForwarded(string(ctx.Request.Header.Peek("Forwarded"))); fwdScheme != "" || fwdHost != "" {
			if scheme == "" {
				scheme = fwdScheme
			}
			if host == "" {
				host = fwdHost
			}
		}
	}

	if host == "" {
		host = string(ctx.Host())
	}
	if scheme == "" {
		scheme = "http"
		if ctx.IsTLS() {
			scheme = "https"
		}
	}
	return scheme + "://" + host
}

// parseForwarded extracts proto and host from the first element of an
// RFC 7239 Forwarded header, e.g. `for=1.2.3.4;proto=https;host=img.example.com`.
func parseForwarded(header string) (scheme, host string) {
	if header == "" {
		return "", ""
	}
	first := header
	if i := strings.Index(first, ","); i >= 0 {
		first = first[:i]
	}
	for _, part := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch strings.ToLower(k) {
		case "proto":
			scheme = v
		case "host":
			host = v
		}
	}
	return scheme, host
}
