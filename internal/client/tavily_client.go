package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/researchdesk/api/internal/config"
	"github.com/researchdesk/api/internal/metrics"
)

// TavilyClient handles communication with the Tavily search API
type TavilyClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	fallback   Extractor
}

type tavilySearchRequest struct {
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth,omitempty"`
	Topic             string `json:"topic,omitempty"`
	MaxResults        int    `json:"max_results,omitempty"`
	IncludeRawContent bool   `json:"include_raw_content,omitempty"`
}

type tavilySearchResponse struct {
	Query   string `json:"query"`
	Results []struct {
		Title      string  `json:"title"`
		URL        string  `json:"url"`
		Content    string  `json:"content"`
		RawContent string  `json:"raw_content"`
		Score      float64 `json:"score"`
	} `json:"results"`
}

type tavilyExtractRequest struct {
	URLs         []string `json:"urls"`
	ExtractDepth string   `json:"extract_depth,omitempty"`
}

type tavilyExtractResponse struct {
	Results []struct {
		URL        string `json:"url"`
		RawContent string `json:"raw_content"`
	} `json:"results"`
	FailedResults []struct {
		URL   string `json:"url"`
		Error string `json:"error"`
	} `json:"failed_results"`
}

// NewTavilyClient creates a new Tavily API client. fallback, when not nil,
// is used for pages Tavily cannot extract.
func NewTavilyClient(cfg *config.TavilyConfig, fallback Extractor) *TavilyClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TavilyClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		fallback: fallback,
	}
}

// Search runs one web search
func (c *TavilyClient) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if opts.Depth == "" {
		opts.Depth = "basic"
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}

	var resp tavilySearchResponse
	err := c.post(ctx, "/search", tavilySearchRequest{
		Query:             query,
		SearchDepth:       opts.Depth,
		Topic:             opts.Topic,
		MaxResults:        opts.MaxResults,
		IncludeRawContent: opts.IncludeRawContent,
	}, &resp)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("tavily", "search").Inc()
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, SearchResult{
			URL:        r.URL,
			Title:      r.Title,
			Content:    r.Content,
			RawContent: r.RawContent,
			Score:      r.Score,
		})
	}
	return results, nil
}

// Extract returns the raw text of a page
func (c *TavilyClient) Extract(ctx context.Context, url string) (string, error) {
	content, err := c.extract(ctx, url)
	if err == nil && content != "" {
		return content, nil
	}
	if c.fallback != nil {
		return c.fallback.Extract(ctx, url)
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("no content extracted from %s", url)
}

func (c *TavilyClient) extract(ctx context.Context, url string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	var resp tavilyExtractResponse
	err := c.post(ctx, "/extract", tavilyExtractRequest{
		URLs:         []string{url},
		ExtractDepth: "basic",
	}, &resp)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("tavily", "extract").Inc()
		return "", err
	}

	parts := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.RawContent != "" {
			parts = append(parts, r.RawContent)
		}
	}
	if len(parts) == 0 && len(resp.FailedResults) > 0 {
		return "", fmt.Errorf("tavily extract failed: %s", resp.FailedResults[0].Error)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (c *TavilyClient) post(ctx context.Context, path string, body, out any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tavily API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *TavilyClient) IsConfigured() bool {
	return c.apiKey != ""
}
