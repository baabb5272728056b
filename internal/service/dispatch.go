package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/researchdesk/api/internal/model"
)

const (
	TaskTypeResearch = "research:process"
	QueueResearch    = "research"
)

// AsynqDispatcher enqueues research jobs on the asynq research queue.
// Jobs are not retried: a failed job is terminal.
type AsynqDispatcher struct {
	client    *asynq.Client
	retention time.Duration
}

func NewAsynqDispatcher(client *asynq.Client, retention time.Duration) *AsynqDispatcher {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &AsynqDispatcher{client: client, retention: retention}
}

// Dispatch enqueues the job
func (d *AsynqDispatcher) Dispatch(ctx context.Context, payload *model.ResearchJobPayload) error {
	task, err := NewResearchTask(payload)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueResearch),
		asynq.MaxRetry(0),
		asynq.Retention(d.retention),
		asynq.TaskID(payload.JobID),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// NewResearchTask builds the asynq task for payload
func NewResearchTask(payload *model.ResearchJobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeResearch, data), nil
}
