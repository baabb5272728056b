package client

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by clients that have no credentials
var ErrNotConfigured = errors.New("client not configured")

// Search topics understood by the search provider
const (
	TopicGeneral = "general"
	TopicNews    = "news"
	TopicFinance = "finance"
)

// SearchOptions narrows a single search call
type SearchOptions struct {
	Topic             string
	Depth             string // "basic" or "advanced"
	MaxResults        int
	IncludeRawContent bool
}

// SearchResult is one hit returned by the search provider
type SearchResult struct {
	URL        string
	Title      string
	Content    string
	RawContent string
	Score      float64
}

// SearchClient is the search capability used by collectors and enrichment
type SearchClient interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
	Extract(ctx context.Context, url string) (string, error)
}

// Extractor fetches the readable text of a single page
type Extractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// CompletionRequest is a single system+user prompt
type CompletionRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// LLMClient is the completion capability used by query generation,
// briefings and the editor
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
