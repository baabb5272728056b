// Package curation filters, deduplicates and ranks the documents collected
// for one category. Everything here is pure: no I/O and no shared state.
package curation

import (
	"math"
	"net/url"
	"sort"
	"strings"

	"github.com/researchdesk/api/internal/model"
)

const (
	// DefaultThreshold is the minimum relevance score a document must reach
	DefaultThreshold = 0.4
	// DefaultMaxPerCategory caps the documents kept per category
	DefaultMaxPerCategory = 30
)

// Config holds the curation parameters
type Config struct {
	Threshold      float64
	MaxPerCategory int
}

// DefaultConfig returns the stock threshold and cap
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, MaxPerCategory: DefaultMaxPerCategory}
}

// Result is the curated output for one category
type Result struct {
	Category  model.Category
	Documents []model.EvaluatedDocument
	Counts    model.DocCounts
}

// NormalizeURL adds a missing scheme and strips the query string and
// fragment. It returns "" for input that cannot be parsed or has no host.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(raw, "//"):
		raw = "https:" + raw
	case !hasScheme(raw):
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// hasScheme reports whether raw parses with a scheme and an authority.
// "host:port/path" parses as an opaque URL and counts as scheme-less.
func hasScheme(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Opaque == ""
}

// ValidScore maps NaN, infinities and negative scores to 0
func ValidScore(score float64) float64 {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 {
		return 0
	}
	return score
}

// Curate runs normalize, merge, evaluate, filter, sort and cap over docs.
// Documents with an unusable URL are dropped before merging.
func Curate(category model.Category, docs []model.Document, cfg Config) Result {
	if cfg.MaxPerCategory <= 0 {
		cfg.MaxPerCategory = DefaultMaxPerCategory
	}

	merged := Merge(docs)

	kept := make([]model.EvaluatedDocument, 0, len(merged))
	for _, doc := range merged {
		score := ValidScore(doc.Score)
		if score < cfg.Threshold {
			continue
		}
		doc.Score = score
		if doc.Category == "" {
			doc.Category = category
		}
		kept = append(kept, model.EvaluatedDocument{Document: doc, OverallScore: score})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].OverallScore > kept[j].OverallScore
	})

	if len(kept) > cfg.MaxPerCategory {
		kept = kept[:cfg.MaxPerCategory]
	}

	return Result{
		Category:  category,
		Documents: kept,
		Counts:    model.DocCounts{Initial: len(docs), Kept: len(kept)},
	}
}

// Merge collapses documents that share a normalized URL. The merged
// document sits at the position of the first occurrence. Later non-empty
// fields overwrite earlier ones, the later score wins and the first
// non-empty query is retained.
func Merge(docs []model.Document) []model.Document {
	index := make(map[string]int, len(docs))
	out := make([]model.Document, 0, len(docs))

	for _, doc := range docs {
		key := NormalizeURL(doc.URL)
		if key == "" {
			continue
		}
		doc.URL = key

		pos, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, doc)
			continue
		}

		prev := &out[pos]
		if doc.Title != "" {
			prev.Title = doc.Title
		}
		if doc.Content != "" {
			prev.Content = doc.Content
		}
		if doc.RawContent != "" {
			prev.RawContent = doc.RawContent
		}
		if doc.Source != "" {
			prev.Source = doc.Source
		}
		if doc.Category != "" {
			prev.Category = doc.Category
		}
		if prev.Query == "" {
			prev.Query = doc.Query
		}
		prev.Score = doc.Score
	}
	return out
}
