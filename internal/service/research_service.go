package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/jobstore"
	"github.com/researchdesk/api/internal/model"
)

// ErrInvalidSubject is returned when the subject is blank after trimming
var ErrInvalidSubject = errors.New("subject is required")

// Dispatcher hands an accepted job to whatever runs the pipeline
type Dispatcher interface {
	Dispatch(ctx context.Context, payload *model.ResearchJobPayload) error
}

// Publisher receives progress events
type Publisher interface {
	Publish(evt model.ProgressEvent)
}

// ResearchService handles research job management
type ResearchService struct {
	store      *jobstore.Store
	dispatcher Dispatcher
	publisher  Publisher
	logger     *zap.Logger
}

func NewResearchService(store *jobstore.Store, dispatcher Dispatcher, publisher Publisher, logger *zap.Logger) *ResearchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchService{
		store:      store,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
	}
}

// StartResearch creates a pending job and dispatches it. Nothing is
// created for a blank subject.
func (s *ResearchService) StartResearch(ctx context.Context, req *model.ResearchRequest) (*model.ResearchStartResponse, error) {
	clean := model.ResearchRequest{
		Subject:    strings.TrimSpace(req.Subject),
		SubjectURL: strings.TrimSpace(req.SubjectURL),
		Industry:   strings.TrimSpace(req.Industry),
		Location:   strings.TrimSpace(req.Location),
	}
	if clean.Subject == "" {
		return nil, ErrInvalidSubject
	}

	job, err := s.store.Create(ctx, "", clean)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	logger := s.logger.With(zap.String("job_id", job.ID))

	if err := s.dispatcher.Dispatch(ctx, &model.ResearchJobPayload{JobID: job.ID, Request: clean}); err != nil {
		logger.Error("Failed to dispatch research job", zap.Error(err))
		msg := fmt.Sprintf("failed to dispatch job: %v", err)
		if ferr := s.store.Fail(context.WithoutCancel(ctx), job.ID, msg); ferr != nil {
			logger.Error("Failed to mark job failed", zap.Error(ferr))
		}
		if s.publisher != nil {
			s.publisher.Publish(model.ProgressEvent{
				JobID:   job.ID,
				Status:  string(model.JobStatusFailed),
				Message: "Research failed",
				Error:   msg,
			})
		}
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}

	logger.Info("Research job accepted", zap.String("subject", clean.Subject))
	return &model.ResearchStartResponse{
		JobID:           job.ID,
		Status:          "accepted",
		Message:         fmt.Sprintf("Research started for %s", clean.Subject),
		ProgressChannel: ProgressChannel(job.ID),
	}, nil
}

// GetJob returns the public view of a job
func (s *ResearchService) GetJob(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return model.NewJobStatusResponse(job), nil
}

// GetReport returns the report of a completed job
func (s *ResearchService) GetReport(ctx context.Context, jobID string) (*model.ReportResponse, error) {
	report, err := s.store.Report(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.ReportResponse{Report: report.Content}, nil
}

// CurrentStatus builds the status message a new observer sees first
func (s *ResearchService) CurrentStatus(ctx context.Context, jobID string) (*model.WSStatusMessage, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	evt := model.ProgressEvent{
		JobID:     job.ID,
		Status:    string(job.Status),
		Message:   fmt.Sprintf("Research for %s is %s", job.Subject, job.Status),
		Timestamp: job.LastUpdate,
	}
	if job.Error != nil {
		evt.Error = *job.Error
	}
	if job.Status == model.JobStatusCompleted {
		evt.Result = map[string]any{
			"report":     job.Report,
			"subject":    job.Subject,
			"references": job.References,
		}
	}
	msg := evt.Wire()
	return &msg, nil
}

// ProgressChannel is the websocket path observers use for jobID
func ProgressChannel(jobID string) string {
	return "/ws/jobs/" + jobID
}
