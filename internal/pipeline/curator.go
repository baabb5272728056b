package pipeline

import (
	"context"
	"fmt"

	"github.com/researchdesk/api/internal/curation"
	"github.com/researchdesk/api/internal/metrics"
	"github.com/researchdesk/api/internal/model"
	"github.com/researchdesk/api/internal/references"
)

// collectorStage fans the four research fields into one bundle
type collectorStage struct{}

func (collectorStage) Spec() StageSpec {
	reads := make([]Field, 0, len(model.Categories)+1)
	reads = append(reads, FieldInput)
	for _, c := range model.Categories {
		reads = append(reads, DataField(c))
	}
	return StageSpec{
		Name:     "collector",
		Reads:    reads,
		Writes:   []Field{FieldCollected},
		Critical: true,
	}
}

func (collectorStage) Run(_ context.Context, st State, env *Env) (Output, error) {
	subject := st.Input().Request.Subject
	collected := make(Collected, len(model.Categories))
	counts := make(map[string]any, len(model.Categories))
	total := 0
	for _, c := range model.Categories {
		docs := st.Documents(DataField(c))
		if docs == nil {
			docs = []model.Document{}
		}
		collected[c] = docs
		counts[string(c)] = len(docs)
		total += len(docs)
	}

	env.publish("processing", fmt.Sprintf("Collecting research data for %s", subject), map[string]any{
		"step":   "collector",
		"counts": counts,
		"total":  total,
	})
	return Output{FieldCollected: collected}, nil
}

// curatorStage filters each category and resolves the citation list
type curatorStage struct{}

func (curatorStage) Spec() StageSpec {
	writes := make([]Field, 0, len(model.Categories)+2)
	for _, c := range model.Categories {
		writes = append(writes, CuratedField(c))
	}
	writes = append(writes, FieldReferences, FieldDocCounts)
	return StageSpec{
		Name:     "curator",
		Reads:    []Field{FieldCollected},
		Writes:   writes,
		Critical: true,
	}
}

func (curatorStage) Run(_ context.Context, st State, env *Env) (Output, error) {
	collected := st.Collected()
	env.publish("processing", "Evaluating documents", map[string]any{"step": "curator"})

	out := Output{}
	curated := make(map[model.Category][]model.EvaluatedDocument, len(model.Categories))
	counts := make(map[model.Category]model.DocCounts, len(model.Categories))
	eventCounts := make(map[string]any, len(model.Categories))

	for _, c := range model.Categories {
		docs := collected[c]
		env.publish("category_start", fmt.Sprintf("Evaluating %d %s documents", len(docs), c), map[string]any{
			"category": string(c),
			"count":    len(docs),
		})

		res := curation.Curate(c, docs, env.Curation)
		for _, doc := range res.Documents {
			env.publish("document_kept", fmt.Sprintf("Kept document: %s", doc.Title), map[string]any{
				"category": string(c),
				"title":    doc.Title,
				"url":      doc.URL,
				"score":    doc.OverallScore,
			})
		}

		metrics.Documents.WithLabelValues(string(c), "collected").Add(float64(res.Counts.Initial))
		metrics.Documents.WithLabelValues(string(c), "kept").Add(float64(res.Counts.Kept))

		out[CuratedField(c)] = res.Documents
		curated[c] = res.Documents
		counts[c] = res.Counts
		eventCounts[string(c)] = map[string]any{"initial": res.Counts.Initial, "kept": res.Counts.Kept}
	}

	resolution := references.Resolve(curated, env.MaxReferences)
	out[FieldReferences] = resolution.References
	out[FieldDocCounts] = counts

	env.publish("curation_complete", "Document curation complete", map[string]any{
		"doc_counts": eventCounts,
		"references": len(resolution.References),
	})
	return out, nil
}
