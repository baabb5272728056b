package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/metrics"
	"github.com/researchdesk/api/internal/model"
	"github.com/researchdesk/api/internal/tracing"
)

// ErrNoReport is returned when every stage succeeded but the editor
// produced nothing
var ErrNoReport = errors.New("research completed but no report generated")

// JobTracker records job lifecycle transitions
type JobTracker interface {
	MarkProcessing(ctx context.Context, jobID string) error
	Touch(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID, report string, refs []model.Reference) error
	Fail(ctx context.Context, jobID, errMsg string) error
}

// Runner drives one research job through the graph and records its
// outcome. A job handed to Execute never stays processing.
type Runner struct {
	graph   *Graph
	tracker JobTracker
	env     Env
	logger  *zap.Logger
}

// NewRunner creates a runner. env is the template copied for every job.
func NewRunner(graph *Graph, tracker JobTracker, env Env) *Runner {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{graph: graph, tracker: tracker, env: env, logger: logger}
}

// Execute runs the pipeline for jobID to a terminal state
func (r *Runner) Execute(ctx context.Context, jobID string, req model.ResearchRequest) (err error) {
	env := r.env.forJob(jobID)
	logger := env.Logger

	ctx, span := tracing.StartSpan(ctx, "research.job")
	defer span.End()

	if err := r.tracker.MarkProcessing(ctx, jobID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	metrics.JobsStarted.Inc()
	logger.Info("Research job started", zap.String("subject", req.Subject))
	env.publish("processing", fmt.Sprintf("Starting research for %s", req.Subject), map[string]any{"step": "start"})

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Research job panicked", zap.Any("panic", rec))
			err = fmt.Errorf("research job panicked: %v", rec)
			r.fail(ctx, env, err)
		}
	}()

	var final State
	var runErr error
	for snap := range r.graph.Run(ctx, Input{JobID: jobID, Request: req}, env) {
		final = snap.State
		if snap.Err != nil {
			runErr = snap.Err
			continue
		}
		if err := r.tracker.Touch(ctx, jobID); err != nil {
			logger.Warn("Failed to touch job", zap.Error(err))
		}
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	if runErr != nil {
		r.fail(ctx, env, runErr)
		return runErr
	}

	report := final.Report()
	if report == "" {
		r.fail(ctx, env, ErrNoReport)
		return ErrNoReport
	}

	refs := final.References()
	if err := r.tracker.Complete(context.WithoutCancel(ctx), jobID, report, refs); err != nil {
		logger.Error("Failed to complete job", zap.Error(err))
		r.fail(ctx, env, err)
		return err
	}

	logger.Info("Research job completed", zap.Int("report_length", len(report)), zap.Int("references", len(refs)))
	env.publish(string(model.JobStatusCompleted), "Research completed", map[string]any{
		"report":     report,
		"subject":    req.Subject,
		"references": refs,
	})
	return nil
}

// fail records the failure on a context that survives cancellation of the
// job context
func (r *Runner) fail(ctx context.Context, env *Env, cause error) {
	msg := cause.Error()
	env.Logger.Error("Research job failed", zap.Error(cause))
	if err := r.tracker.Fail(context.WithoutCancel(ctx), env.JobID, msg); err != nil {
		env.Logger.Error("Failed to record job failure", zap.Error(err))
	}
	env.Publisher.Publish(model.ProgressEvent{
		JobID:   env.JobID,
		Status:  string(model.JobStatusFailed),
		Message: "Research failed",
		Error:   msg,
	})
}
