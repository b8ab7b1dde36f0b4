// Package fetch implements the http_fetch handler: download a URL and
// extract its readable text content. It is one of the core-owned generic
// handlers; side-effecting integrations are linked by the host process.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/loomhq/loom"
)

// maxContent caps extracted text handed back to the executor.
const maxContent = 8000

// Fetcher downloads URLs with a bounded client.
type Fetcher struct {
	client *http.Client
}

// New creates a Fetcher with a 15-second timeout.
func New() *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Handle is the loom.Handler for http_fetch. Params: url (required), raw
// (skip readability extraction).
func (f *Fetcher) Handle(ctx context.Context, params map[string]any, _ map[string]any) (map[string]any, error) {
	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("http_fetch: missing url")
	}
	wantRaw, _ := params["raw"].(bool)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("http_fetch: invalid url: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; LoomBot/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, fmt.Errorf("http_fetch: read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &loom.ErrHTTP{Status: resp.StatusCode, Body: clip(string(body), 200)}
	}

	content := string(body)
	if !wantRaw {
		if parsedURL, parseErr := url.Parse(rawURL); parseErr == nil {
			article, rdErr := readability.FromReader(strings.NewReader(content), parsedURL)
			if rdErr == nil && article.TextContent != "" {
				content = strings.TrimSpace(article.TextContent)
			}
		}
	}
	content = clip(content, maxContent)

	return map[string]any{
		"content": content,
		"status":  resp.StatusCode,
	}, nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
