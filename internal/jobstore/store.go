// Package jobstore owns the lifecycle of research jobs.
//
// Every write goes through Store, which serializes updates per job and
// refuses transitions that would move a job backwards. An optional
// Persistence collaborator mirrors jobs and reports to a durable store;
// failures there are logged and never affect the job itself.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/metrics"
	"github.com/researchdesk/api/internal/model"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrReportNotReady    = errors.New("report not ready")
)

// Persistence is an optional durable mirror of jobs and reports
type Persistence interface {
	CreateJob(ctx context.Context, job *model.Job) error
	UpdateJob(ctx context.Context, job *model.Job) error
	StoreReport(ctx context.Context, report *model.StoredReport) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetReport(ctx context.Context, jobID string) (*model.StoredReport, error)
}

// Archiver uploads a finished report and returns a public URL for it
type Archiver interface {
	ArchiveReport(ctx context.Context, jobID, content string) (string, error)
}

// Store is the JobStore used by the service, worker and handlers
type Store struct {
	backend     Backend
	persistence Persistence
	archiver    Archiver
	logger      *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*jobLock // in-flight operations only
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Store
type Option func(*Store)

func WithPersistence(p Persistence) Option {
	return func(s *Store) { s.persistence = p }
}

func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, logger: zap.NewNop(), locks: make(map[string]*jobLock)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock serializes operations on one job. The entry is dropped when the
// last holder or waiter releases it.
func (s *Store) lock(jobID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &jobLock{}
		s.locks[jobID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, jobID)
		}
		s.locksMu.Unlock()
	}
}

// Create registers a pending job. An empty jobID gets a generated one.
func (s *Store) Create(ctx context.Context, jobID string, req model.ResearchRequest) (*model.Job, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	unlock := s.lock(jobID)
	defer unlock()

	if _, err := s.backend.Load(ctx, jobID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, jobID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:         jobID,
		Subject:    req.Subject,
		SubjectURL: req.SubjectURL,
		Industry:   req.Industry,
		Location:   req.Location,
		Status:     model.JobStatusPending,
		CreatedAt:  now,
		LastUpdate: now,
	}
	if err := s.backend.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if s.persistence != nil {
		if err := s.persistence.CreateJob(ctx, job); err != nil {
			s.logger.Warn("Failed to persist job", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return job.Clone(), nil
}

// MarkProcessing moves a pending job to processing
func (s *Store) MarkProcessing(ctx context.Context, jobID string) error {
	_, err := s.update(ctx, jobID, model.JobStatusProcessing, nil)
	return err
}

// Touch refreshes LastUpdate of a running job. Terminal jobs are left alone.
func (s *Store) Touch(ctx context.Context, jobID string) error {
	unlock := s.lock(jobID)
	defer unlock()

	job, err := s.backend.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.LastUpdate = time.Now().UTC()
	return s.backend.Save(ctx, job)
}

// Complete stores the final report and marks the job completed
func (s *Store) Complete(ctx context.Context, jobID, report string, refs []model.Reference) error {
	var reportURL string
	if s.archiver != nil {
		url, err := s.archiver.ArchiveReport(ctx, jobID, report)
		if err != nil {
			s.logger.Warn("Failed to archive report", zap.String("job_id", jobID), zap.Error(err))
		} else {
			reportURL = url
		}
	}

	job, err := s.update(ctx, jobID, model.JobStatusCompleted, func(job *model.Job) {
		job.Report = report
		job.References = refs
		job.ReportURL = reportURL
	})
	if err != nil {
		return err
	}
	metrics.JobsFinished.WithLabelValues(string(model.JobStatusCompleted)).Inc()

	if s.persistence != nil {
		stored := &model.StoredReport{
			JobID:      jobID,
			Content:    report,
			References: refs,
			CreatedAt:  job.LastUpdate,
		}
		if err := s.persistence.StoreReport(ctx, stored); err != nil {
			s.logger.Warn("Failed to persist report", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

// Fail marks the job failed. errMsg must be non-empty; a generic message
// is substituted otherwise.
func (s *Store) Fail(ctx context.Context, jobID, errMsg string) error {
	if errMsg == "" {
		errMsg = "research failed"
	}
	_, err := s.update(ctx, jobID, model.JobStatusFailed, func(job *model.Job) {
		msg := errMsg
		job.Error = &msg
	})
	if err != nil {
		return err
	}
	metrics.JobsFinished.WithLabelValues(string(model.JobStatusFailed)).Inc()
	return nil
}

func (s *Store) update(ctx context.Context, jobID string, next model.JobStatus, mutate func(*model.Job)) (*model.Job, error) {
	unlock := s.lock(jobID)
	defer unlock()

	job, err := s.backend.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, next)
	}

	now := time.Now().UTC()
	job.Status = next
	job.LastUpdate = now
	if next.IsTerminal() {
		job.CompletedAt = &now
	}
	if mutate != nil {
		mutate(job)
	}

	if err := s.backend.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if s.persistence != nil {
		if err := s.persistence.UpdateJob(ctx, job); err != nil {
			s.logger.Warn("Failed to persist job update",
				zap.String("job_id", jobID), zap.String("status", string(next)), zap.Error(err))
		}
	}
	return job, nil
}

// Get returns the last known snapshot of a job, consulting persistence
// when the primary backend no longer has it
func (s *Store) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.backend.Load(ctx, jobID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrNotFound) || s.persistence == nil {
		return nil, err
	}

	job, perr := s.persistence.GetJob(ctx, jobID)
	if perr != nil {
		if !errors.Is(perr, ErrNotFound) {
			s.logger.Warn("Failed to load job from persistence", zap.String("job_id", jobID), zap.Error(perr))
		}
		return nil, ErrNotFound
	}
	return job, nil
}

// Report returns the finished report of a completed job
func (s *Store) Report(ctx context.Context, jobID string) (*model.StoredReport, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if job != nil && job.Status == model.JobStatusCompleted && job.Report != "" {
		return &model.StoredReport{
			JobID:      job.ID,
			Content:    job.Report,
			References: job.References,
			CreatedAt:  job.LastUpdate,
		}, nil
	}

	if s.persistence != nil {
		report, perr := s.persistence.GetReport(ctx, jobID)
		if perr == nil && report.Content != "" {
			return report, nil
		}
	}

	if job == nil {
		return nil, ErrNotFound
	}
	return nil, ErrReportNotReady
}
