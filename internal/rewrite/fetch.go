package rewrite

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	fetchTimeout  = 15 * time.Second
	fetchMaxBytes = 32 << 20 // 32 MiB
)

// HTTPFetcher downloads external images over HTTP with a bounded timeout and
// an image/* content-type requirement.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds the default external fetcher.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: fetchTimeout},
	}
}

func (f *HTTPFetcher) FetchImage(ctx context.Context, rawURL string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil, fmt.Errorf("non-image content type %q", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > fetchMaxBytes {
		return "", nil, fmt.Errorf("image exceeds %d byte limit", fetchMaxBytes)
	}
	return contentType, data, nil
}
