package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/client"
	"github.com/researchdesk/api/internal/limiter"
	"github.com/researchdesk/api/internal/model"
	"github.com/researchdesk/api/internal/references"
)

const (
	maxQueries       = 4
	minQueryWords    = 3
	resultsPerQuery  = 5
	sourceWebSearch  = "web_search"
	sourceSiteScrape = "company_website"
)

var (
	errAllSearchesFailed = errors.New("all searches failed")
	reQueryPrefix        = regexp.MustCompile(`^(?:\d+[.)]\s*|[-*•]\s*)`)
)

// researcher collects raw documents for one category
type researcher struct {
	name     string
	category model.Category
	topic    string
}

// Researchers returns the four collector stages
func Researchers() []Stage {
	return []Stage{
		&researcher{name: "financial_analyst", category: model.CategoryFinancial, topic: client.TopicFinance},
		&researcher{name: "news_scanner", category: model.CategoryNews, topic: client.TopicNews},
		&researcher{name: "industry_analyst", category: model.CategoryIndustry, topic: client.TopicGeneral},
		&researcher{name: "company_analyst", category: model.CategoryCompany, topic: client.TopicGeneral},
	}
}

func (r *researcher) Spec() StageSpec {
	return StageSpec{
		Name:   r.name,
		Reads:  []Field{FieldInput, FieldSiteScrape},
		Writes: []Field{DataField(r.category)},
	}
}

func (r *researcher) Degraded() Output {
	return Output{DataField(r.category): []model.Document{}}
}

func (r *researcher) Run(ctx context.Context, st State, env *Env) (Output, error) {
	req := st.Input().Request
	if env.Search == nil {
		return nil, client.ErrNotConfigured
	}

	queries := r.generateQueries(ctx, req, env)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	docs := make([]model.Document, 0, len(queries)*resultsPerQuery+1)
	if scrape := st.SiteScrape(); scrape.Content != "" {
		docs = append(docs, model.Document{
			URL:        scrape.URL,
			Title:      req.Subject,
			RawContent: scrape.Content,
			Query:      fmt.Sprintf("%s information on %s", capitalizeFirst(string(r.category)), req.Subject),
			Source:     sourceSiteScrape,
			Category:   r.category,
		})
	}

	found, err := r.search(ctx, queries, env)
	if err != nil {
		return nil, err
	}
	docs = append(docs, found...)

	env.publish("processing", fmt.Sprintf("Used search to find %d documents", len(found)), map[string]any{
		"step":            r.name,
		"category":        string(r.category),
		"documents_found": len(found),
	})
	return Output{DataField(r.category): docs}, nil
}

// generateQueries asks the LLM for up to four search queries. Any failure
// falls back to the year-stamped defaults.
func (r *researcher) generateQueries(ctx context.Context, req model.ResearchRequest, env *Env) []string {
	env.publish("query_generating", fmt.Sprintf("Generating %s queries", r.category), map[string]any{
		"category": string(r.category),
	})

	var queries []string
	if env.LLM != nil {
		system, user := queryPrompts(r.category, req, env.Now())
		text, err := limiter.Do(ctx, env.Pools, limiter.PoolLLM, func(ctx context.Context) (string, error) {
			return env.LLM.Complete(ctx, client.CompletionRequest{System: system, User: user, Temperature: 0})
		})
		if err != nil {
			env.Logger.Warn("Query generation failed", zap.String("category", string(r.category)), zap.Error(err))
		} else {
			queries = parseQueries(text)
		}
	}

	if len(queries) == 0 {
		queries = fallbackQueries(req.Subject, env.Now())
	}

	for i, q := range queries {
		env.publish("query_generated", fmt.Sprintf("Generated query %d: %s", i+1, q), map[string]any{
			"query":        q,
			"query_number": i + 1,
			"category":     string(r.category),
			"is_complete":  true,
		})
	}
	return queries
}

// parseQueries splits LLM output into at most maxQueries clean queries
func parseQueries(text string) []string {
	var queries []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(reQueryPrefix.ReplaceAllString(strings.TrimSpace(line), ""))
		line = strings.Trim(line, `"`)
		if line == "" {
			continue
		}
		queries = append(queries, line)
		if len(queries) == maxQueries {
			break
		}
	}
	return queries
}

// search runs every query of at least minQueryWords words through the
// search pool. Results keep query order. It fails only when every query
// that was sent failed.
func (r *researcher) search(ctx context.Context, queries []string, env *Env) ([]model.Document, error) {
	perQuery := make([][]model.Document, len(queries))
	errs := make([]error, len(queries))

	var wg sync.WaitGroup
	sent := 0
	for i, q := range queries {
		if len(strings.Fields(q)) < minQueryWords {
			env.Logger.Debug("Skipping short query", zap.String("query", q), zap.String("category", string(r.category)))
			continue
		}
		sent++
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			env.publish("query_searching", fmt.Sprintf("Searching: %s", q), map[string]any{
				"query": q, "category": string(r.category),
			})

			results, err := limiter.Do(ctx, env.Pools, limiter.PoolSearch, func(ctx context.Context) ([]client.SearchResult, error) {
				return env.Search.Search(ctx, q, client.SearchOptions{
					Topic:      r.topic,
					Depth:      "basic",
					MaxResults: resultsPerQuery,
				})
			})
			if err != nil {
				errs[i] = err
				env.Logger.Warn("Search failed", zap.String("query", q), zap.Error(err))
				env.publish("query_error", fmt.Sprintf("Search failed for query: %s", q), map[string]any{
					"query": q, "category": string(r.category), "error": err.Error(),
				})
				return
			}

			perQuery[i] = r.toDocuments(q, results)
			env.publish("query_searched", fmt.Sprintf("Found %d results for: %s", len(perQuery[i]), q), map[string]any{
				"query": q, "category": string(r.category), "results": len(perQuery[i]),
			})
		}(i, q)
	}
	wg.Wait()

	var docs []model.Document
	failed := 0
	for i := range queries {
		if errs[i] != nil {
			failed++
			continue
		}
		docs = append(docs, perQuery[i]...)
	}
	if sent > 0 && failed == sent {
		return nil, fmt.Errorf("%s: %w: %w", r.name, errAllSearchesFailed, errors.Join(errs...))
	}
	return docs, nil
}

func (r *researcher) toDocuments(query string, results []client.SearchResult) []model.Document {
	docs := make([]model.Document, 0, len(results))
	for _, res := range results {
		if res.Content == "" || res.URL == "" {
			continue
		}
		title := references.CleanTitle(res.Title)
		if strings.EqualFold(title, res.URL) {
			title = ""
		}
		docs = append(docs, model.Document{
			URL:        res.URL,
			Title:      title,
			Content:    res.Content,
			RawContent: res.RawContent,
			Query:      query,
			Source:     sourceWebSearch,
			Score:      res.Score,
			Category:   r.category,
		})
	}
	return docs
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
