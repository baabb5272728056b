package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/limiter"
)

// groundingStage extracts the subject's own website before research starts
type groundingStage struct{}

func (groundingStage) Spec() StageSpec {
	return StageSpec{
		Name:     "grounding",
		Reads:    []Field{FieldInput},
		Writes:   []Field{FieldSiteScrape},
		Critical: true,
	}
}

func (groundingStage) Run(ctx context.Context, st State, env *Env) (Output, error) {
	req := st.Input().Request
	env.publish("processing", fmt.Sprintf("Initiating research for %s", req.Subject), map[string]any{"step": "grounding"})

	url := strings.TrimSpace(req.SubjectURL)
	if url == "" {
		env.publish("processing", "No company URL provided, proceeding directly to research phase", map[string]any{"step": "grounding"})
		return Output{FieldSiteScrape: SiteScrape{}}, nil
	}
	if env.Search == nil {
		return Output{FieldSiteScrape: SiteScrape{}}, nil
	}

	env.publish("processing", "Analyzing company website", map[string]any{"step": "Initial Site Scrape"})

	content, err := limiter.Do(ctx, env.Pools, limiter.PoolExtraction, func(ctx context.Context) (string, error) {
		return env.Search.Extract(ctx, url)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		env.Logger.Warn("Website extraction failed", zap.String("url", url), zap.Error(err))
		env.publish("website_error", fmt.Sprintf("Website extraction failed: %v", err), map[string]any{
			"step":              "Initial Site Scrape",
			"error":             err.Error(),
			"continue_research": true,
		})
		return Output{FieldSiteScrape: SiteScrape{}}, nil
	}

	content = strings.TrimSpace(content)
	if content == "" {
		env.publish("processing", "No content found in provided URL", map[string]any{"step": "Initial Site Scrape"})
		return Output{FieldSiteScrape: SiteScrape{}}, nil
	}

	env.publish("processing", "Successfully extracted content from website", map[string]any{"step": "Initial Site Scrape"})
	return Output{FieldSiteScrape: SiteScrape{URL: url, Content: content}}, nil
}
