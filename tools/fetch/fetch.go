// Package fetch provides web_fetch: download a URL and extract its
// readable text content.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/qx-sh/qx"
)

const (
	fetchTimeout  = 15 * time.Second
	maxBodyBytes  = 1 << 20 // 1MB download cap
	maxResultSize = 8000
)

type input struct {
	URL string `json:"url" jsonschema:"description=URL to fetch"`
}

// New returns the web_fetch tool. Pages go through readability
// extraction; when that yields nothing, tags are stripped instead.
func New() qx.Tool {
	client := &http.Client{Timeout: fetchTimeout}
	return qx.NewTool("web_fetch",
		"Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		func(ctx context.Context, in input, sink qx.Sink) (string, error) {
			content, err := fetch(ctx, client, in.URL)
			if err != nil {
				return "", err
			}
			if len(content) > maxResultSize {
				content = content[:maxResultSize] + "\n... (truncated)"
			}
			return content, nil
		})
}

func fetch(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; qx/1.0)")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	html := string(body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}
	return stripHTML(html), nil
}

var (
	scriptRE = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRE    = regexp.MustCompile(`<[^>]+>`)
	spaceRE  = regexp.MustCompile(`\s+`)
)

// stripHTML is the last-resort extractor for pages readability cannot
// parse.
func stripHTML(html string) string {
	text := scriptRE.ReplaceAllString(html, " ")
	text = tagRE.ReplaceAllString(text, " ")
	text = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(text)
	return strings.TrimSpace(spaceRE.ReplaceAllString(text, " "))
}
