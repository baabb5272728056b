package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/limiter"
	"github.com/researchdesk/api/internal/model"
)

// enricherStage fetches full page content for curated documents that only
// carry a search snippet
type enricherStage struct{}

func (enricherStage) Spec() StageSpec {
	reads := make([]Field, 0, len(model.Categories))
	for _, c := range model.Categories {
		reads = append(reads, CuratedField(c))
	}
	return StageSpec{
		Name:     "enricher",
		Reads:    reads,
		Writes:   []Field{FieldEnriched},
		Critical: true,
	}
}

type enrichTotals struct {
	total, needed, enriched, skipped atomic.Int64
}

func (e enricherStage) Run(ctx context.Context, st State, env *Env) (Output, error) {
	env.publish("processing", "Enriching curated documents", map[string]any{"step": "enricher"})

	enriched := make(map[model.Category][]model.EvaluatedDocument, len(model.Categories))
	var mu sync.Mutex
	var totals enrichTotals

	var wg sync.WaitGroup
	for _, c := range model.Categories {
		wg.Add(1)
		go func(c model.Category) {
			defer wg.Done()
			docs := e.enrichCategory(ctx, c, st.Curated(c), env, &totals)
			mu.Lock()
			enriched[c] = docs
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total, ok := totals.total.Load(), totals.enriched.Load()
	msg := fmt.Sprintf("Content enrichment complete. Successfully enriched %d/%d documents", ok, totals.needed.Load())
	if skipped := totals.skipped.Load(); skipped > 0 {
		msg += fmt.Sprintf(". Skipped %d documents.", skipped)
	}
	env.publish("enrichment_complete", msg, map[string]any{
		"total_documents": total,
		"enriched":        ok,
		"skipped":         totals.skipped.Load(),
	})
	return Output{FieldEnriched: enriched}, nil
}

// enrichCategory returns a new slice; the curated slice in the state is
// never modified
func (enricherStage) enrichCategory(ctx context.Context, c model.Category, docs []model.EvaluatedDocument, env *Env, totals *enrichTotals) []model.EvaluatedDocument {
	out := make([]model.EvaluatedDocument, len(docs))
	copy(out, docs)
	totals.total.Add(int64(len(docs)))

	var pending []int
	for i, doc := range out {
		if doc.RawContent == "" {
			pending = append(pending, i)
		}
	}
	totals.skipped.Add(int64(len(out) - len(pending)))
	totals.needed.Add(int64(len(pending)))
	if len(pending) == 0 || env.Search == nil {
		return out
	}

	env.publish("category_start", fmt.Sprintf("Enriching %d %s documents", len(pending), c), map[string]any{
		"category": string(c),
		"count":    len(pending),
	})

	urls := make([]string, len(pending))
	for i, idx := range pending {
		urls[i] = out[idx].URL
	}

	onBatch := func(batch, total int) {
		env.publish("batch_start", fmt.Sprintf("Processing batch %d/%d", batch+1, total), map[string]any{
			"category": string(c),
			"batch":    batch + 1,
			"batches":  total,
		})
	}

	results := limiter.Batch(ctx, env.Pools, limiter.PoolExtraction, urls, func(ctx context.Context, url string) (string, error) {
		env.publish("extracting", fmt.Sprintf("Extracting content from %s", url), map[string]any{"category": string(c), "url": url})
		content, err := env.Search.Extract(ctx, url)
		if err != nil {
			return "", err
		}
		content = strings.TrimSpace(content)
		if content == "" {
			return "", fmt.Errorf("no content extracted from %s", url)
		}
		return content, nil
	}, onBatch)

	count := 0
	for _, res := range results {
		idx := pending[res.Index]
		if res.Err != nil {
			env.Logger.Debug("Extraction failed", zap.String("url", out[idx].URL), zap.Error(res.Err))
			env.publish("extraction_error", fmt.Sprintf("Failed to extract %s", out[idx].URL), map[string]any{
				"category": string(c),
				"url":      out[idx].URL,
				"error":    res.Err.Error(),
			})
			continue
		}
		out[idx].RawContent = res.Value
		count++
		env.publish("extracted", fmt.Sprintf("Extracted content from %s", out[idx].URL), map[string]any{
			"category": string(c),
			"url":      out[idx].URL,
		})
	}
	totals.enriched.Add(int64(count))

	env.publish("category_complete", fmt.Sprintf("Enriched %d/%d %s documents", count, len(pending), c), map[string]any{
		"category": string(c),
		"enriched": count,
		"total":    len(pending),
	})
	return out
}
