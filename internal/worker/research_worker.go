package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/jobstore"
	"github.com/researchdesk/api/internal/model"
)

// Executor runs one research job to a terminal state
type Executor interface {
	Execute(ctx context.Context, jobID string, req model.ResearchRequest) error
}

// ResearchWorker processes research jobs
type ResearchWorker struct {
	executor Executor
	logger   *zap.Logger
}

// NewResearchWorker creates a new research worker
func NewResearchWorker(executor Executor, logger *zap.Logger) *ResearchWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchWorker{executor: executor, logger: logger}
}

// ProcessTask handles research task processing. Job failures are recorded
// on the job itself, so only malformed tasks are reported back to asynq.
func (w *ResearchWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.ResearchJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}

	w.Run(ctx, &payload)
	return nil
}

// Run executes one job and logs its outcome
func (w *ResearchWorker) Run(ctx context.Context, payload *model.ResearchJobPayload) {
	logger := w.logger.With(zap.String("job_id", payload.JobID))
	logger.Info("Starting research job", zap.String("subject", payload.Request.Subject))

	err := w.executor.Execute(ctx, payload.JobID, payload.Request)
	switch {
	case err == nil:
		logger.Info("Research job completed")
	case errors.Is(err, jobstore.ErrNotFound), errors.Is(err, jobstore.ErrInvalidTransition):
		logger.Warn("Research job skipped", zap.Error(err))
	default:
		logger.Warn("Research job failed", zap.Error(err))
	}
}

// LocalDispatcher runs jobs in-process on their own goroutine instead of
// going through the queue
type LocalDispatcher struct {
	worker *ResearchWorker
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewLocalDispatcher creates a dispatcher whose jobs run under ctx
func NewLocalDispatcher(ctx context.Context, worker *ResearchWorker) *LocalDispatcher {
	return &LocalDispatcher{worker: worker, ctx: ctx}
}

// Dispatch starts the job and returns immediately
func (d *LocalDispatcher) Dispatch(_ context.Context, payload *model.ResearchJobPayload) error {
	if err := d.ctx.Err(); err != nil {
		return fmt.Errorf("dispatcher stopped: %w", err)
	}
	p := *payload
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.worker.Run(d.ctx, &p)
	}()
	return nil
}

// Wait blocks until every dispatched job has returned
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
