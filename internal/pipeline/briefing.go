package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/client"
	"github.com/researchdesk/api/internal/limiter"
	"github.com/researchdesk/api/internal/model"
)

const (
	briefingTemperature = 0.2
	briefingMaxTokens   = 2000
)

// briefingStage writes one LLM briefing per category
type briefingStage struct{}

func (briefingStage) Spec() StageSpec {
	return StageSpec{
		Name:     "briefing",
		Reads:    []Field{FieldInput, FieldEnriched},
		Writes:   []Field{FieldBriefings},
		Critical: true,
	}
}

func (b briefingStage) Run(ctx context.Context, st State, env *Env) (Output, error) {
	req := st.Input().Request
	enriched := st.Enriched()

	briefings := make(map[model.Category]string, len(model.Categories))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range model.Categories {
		wg.Add(1)
		go func(c model.Category) {
			defer wg.Done()
			text := b.brief(ctx, c, req, enriched[c], env)
			mu.Lock()
			briefings[c] = text
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	completed := 0
	for _, text := range briefings {
		if text != "" {
			completed++
		}
	}
	env.publish("processing", fmt.Sprintf("Completed %d/%d briefings", completed, len(model.Categories)), map[string]any{
		"step":      "briefing",
		"completed": completed,
	})
	return Output{FieldBriefings: briefings}, nil
}

// brief returns "" when there is nothing to summarize or the provider fails
func (briefingStage) brief(ctx context.Context, c model.Category, req model.ResearchRequest, docs []model.EvaluatedDocument, env *Env) string {
	if len(docs) == 0 || env.LLM == nil {
		return ""
	}

	sorted := make([]model.EvaluatedDocument, len(docs))
	copy(sorted, docs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OverallScore > sorted[j].OverallScore
	})

	prompt, used := BriefingPrompt(c, req, sorted, env.Briefing)
	env.publish("briefing_start", fmt.Sprintf("Generating %s briefing", c), map[string]any{
		"category":   string(c),
		"total_docs": len(docs),
		"used_docs":  used,
	})

	text, err := limiter.Do(ctx, env.Pools, limiter.PoolLLM, func(ctx context.Context) (string, error) {
		return env.LLM.Complete(ctx, client.CompletionRequest{
			System:      briefingSystem,
			User:        prompt,
			Temperature: briefingTemperature,
			MaxTokens:   briefingMaxTokens,
		})
	})
	if err != nil {
		env.Logger.Warn("Briefing failed", zap.String("category", string(c)), zap.Error(err))
		return ""
	}

	text = strings.TrimSpace(text)
	env.publish("briefing_complete", fmt.Sprintf("Completed %s briefing", c), map[string]any{
		"category": string(c),
		"length":   len(text),
	})
	return text
}
