package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/client"
	"github.com/researchdesk/api/internal/limiter"
	"github.com/researchdesk/api/internal/references"
)

const editorMaxTokens = 4000

// editorStage compiles the briefings and citations into the final report
type editorStage struct{}

func (editorStage) Spec() StageSpec {
	return StageSpec{
		Name:     "editor",
		Reads:    []Field{FieldInput, FieldBriefings, FieldReferences},
		Writes:   []Field{FieldReport},
		Critical: true,
	}
}

func (editorStage) Run(ctx context.Context, st State, env *Env) (Output, error) {
	req := st.Input().Request
	briefings := st.Briefings()

	empty := true
	for _, text := range briefings {
		if strings.TrimSpace(text) != "" {
			empty = false
			break
		}
	}
	if empty {
		env.Logger.Warn("No briefings available, skipping report compilation")
		return Output{FieldReport: ""}, nil
	}

	env.publish("processing", "Compiling final report", map[string]any{"step": "editor"})

	report := ""
	if env.LLM != nil {
		text, err := limiter.Do(ctx, env.Pools, limiter.PoolLLM, func(ctx context.Context) (string, error) {
			return env.LLM.Complete(ctx, client.CompletionRequest{
				System:    editorSystem,
				User:      editorPrompt(req, briefings),
				MaxTokens: editorMaxTokens,
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			env.Logger.Warn("Report compilation failed, assembling briefings", zap.Error(err))
		} else {
			report = normalizeReport(req.Subject, text)
		}
	}
	if report == "" {
		report = AssembleReport(req.Subject, briefings)
	}

	report = strings.TrimRight(report, "\n") + "\n" + references.FormatSection(st.References())
	report = strings.TrimRight(report, "\n") + "\n"

	env.publish("report_compiled", "Report compiled", map[string]any{
		"length":     len(report),
		"references": len(st.References()),
	})
	return Output{FieldReport: report}, nil
}

// normalizeReport strips code fences and any references section the model
// added, and makes sure the report starts with its title
func normalizeReport(subject, text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```markdown")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	if i := strings.Index(text, "\n## References"); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	if !strings.HasPrefix(text, "# ") {
		text = reportTitle(subject) + "\n\n" + text
	}
	return text + "\n"
}
