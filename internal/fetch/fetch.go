// Package fetch retrieves raw document bodies over HTTP for the download
// stage.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Fetcher downloads a document's source URL and returns the raw body plus
// the server-reported content type.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

// New builds a Fetcher. Per-request deadlines come from the caller's
// context, so no client-level timeout is set here.
func New(userAgent string, maxRedirects int, maxBodyBytes int64) *Fetcher {
	if maxRedirects <= 0 {
		maxRedirects = 5
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 50 << 20
	}
	return &Fetcher{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
	}
}

// Body is the outcome of a successful fetch.
type Body struct {
	Raw         []byte
	ContentType string
}

func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (Body, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return Body{}, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Body{}, fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Body{}, fmt.Errorf("fetch %s: %s", sourceURL, resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return Body{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(raw)) > f.maxBodyBytes {
		return Body{}, fmt.Errorf("fetch %s: body exceeds %d bytes", sourceURL, f.maxBodyBytes)
	}
	if len(raw) == 0 {
		return Body{}, fmt.Errorf("fetch %s: empty body", sourceURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return Body{Raw: raw, ContentType: contentType}, nil
}
