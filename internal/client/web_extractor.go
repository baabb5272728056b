package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/researchdesk/api/internal/metrics"
)

const (
	defaultMaxPageBytes = 4 << 20
	defaultMaxChars     = 50000
	userAgent           = "ResearchDesk/1.0 (+https://github.com/researchdesk/api)"
)

var reSpaces = regexp.MustCompile(`\s+`)

// WebExtractor fetches a page directly and pulls its readable text.
// It is the fallback when the search provider cannot extract a page.
type WebExtractor struct {
	client   *http.Client
	maxChars int
}

func NewWebExtractor(timeout time.Duration) *WebExtractor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebExtractor{
		client:   &http.Client{Timeout: timeout},
		maxChars: defaultMaxChars,
	}
}

// Extract downloads pageURL and returns its main text
func (e *WebExtractor) Extract(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("unsupported url %q", pageURL)
	}

	html, err := e.fetch(ctx, pageURL)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("web", "extract").Inc()
		return "", err
	}

	text := ReadableText(html, parsed)
	if text == "" {
		return "", fmt.Errorf("no readable text at %s", pageURL)
	}
	return truncate(text, e.maxChars), nil
}

// truncate cuts s to at most n bytes on a rune boundary
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (e *WebExtractor) fetch(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned %s", pageURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return string(body), nil
}

// ReadableText runs readability over html and falls back to the visible
// body text when no article can be found
func ReadableText(html string, pageURL *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil {
		if text := collapse(article.TextContent); text != "" {
			return text
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, nav, footer, header").Remove()
	return collapse(doc.Find("body").Text())
}

func collapse(s string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}
