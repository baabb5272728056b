// Package persistence mirrors research jobs and finished reports to Postgres.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/jobstore"
	"github.com/researchdesk/api/internal/model"
)

const (
	jobsTable    = "research_jobs"
	reportsTable = "research_reports"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore implements jobstore.Persistence
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to Postgres and verifies the connection
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func NewPostgresStore(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

type jobRow struct {
	JobID       string         `db:"job_id"`
	Subject     string         `db:"subject"`
	SubjectURL  string         `db:"subject_url"`
	Industry    string         `db:"industry"`
	Location    string         `db:"location"`
	Status      string         `db:"status"`
	Error       sql.NullString `db:"error"`
	ReportURL   string         `db:"report_url"`
	Report      string         `db:"report"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func (r jobRow) toJob() *model.Job {
	job := &model.Job{
		ID:         r.JobID,
		Subject:    r.Subject,
		SubjectURL: r.SubjectURL,
		Industry:   r.Industry,
		Location:   r.Location,
		Status:     model.JobStatus(r.Status),
		ReportURL:  r.ReportURL,
		Report:     r.Report,
		CreatedAt:  r.CreatedAt,
		LastUpdate: r.UpdatedAt,
	}
	if r.Error.Valid {
		msg := r.Error.String
		job.Error = &msg
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	return job
}

type reportRow struct {
	JobID     string    `db:"job_id"`
	Content   string    `db:"report_content"`
	RefList   []byte    `db:"reference_list"`
	CreatedAt time.Time `db:"created_at"`
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	query, args, err := psql.Insert(jobsTable).
		Columns("job_id", "subject", "subject_url", "industry", "location", "status", "created_at", "updated_at").
		Values(job.ID, job.Subject, job.SubjectURL, job.Industry, job.Location, string(job.Status), job.CreatedAt, job.LastUpdate).
		Suffix("ON CONFLICT (job_id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.Job) error {
	query, args, err := psql.Update(jobsTable).
		Set("status", string(job.Status)).
		Set("error", nullString(job.Error)).
		Set("report_url", job.ReportURL).
		Set("updated_at", job.LastUpdate).
		Set("completed_at", nullTime(job.CompletedAt)).
		Where(sq.Eq{"job_id": job.ID}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) StoreReport(ctx context.Context, report *model.StoredReport) error {
	refs := report.References
	if refs == nil {
		refs = []model.Reference{}
	}
	refJSON, err := json.Marshal(refs)
	if err != nil {
		return err
	}

	query, args, err := psql.Insert(reportsTable).
		Columns("job_id", "report_content", "reference_list", "created_at").
		Values(report.JobID, report.Content, refJSON, report.CreatedAt).
		Suffix("ON CONFLICT (job_id) DO UPDATE SET report_content = EXCLUDED.report_content, reference_list = EXCLUDED.reference_list").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store report %s: %w", report.JobID, err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	query, args, err := psql.Select(
		"j.job_id", "j.subject", "j.subject_url", "j.industry", "j.location", "j.status",
		"j.error", "j.report_url", "COALESCE(r.report_content, '') AS report",
		"j.created_at", "j.updated_at", "j.completed_at",
	).
		From(jobsTable + " j").
		LeftJoin(reportsTable + " r ON r.job_id = j.job_id").
		Where(sq.Eq{"j.job_id": jobID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobstore.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return row.toJob(), nil
}

func (s *PostgresStore) GetReport(ctx context.Context, jobID string) (*model.StoredReport, error) {
	query, args, err := psql.Select("job_id", "report_content", "reference_list", "created_at").
		From(reportsTable).
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row reportRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobstore.ErrNotFound
		}
		return nil, fmt.Errorf("get report %s: %w", jobID, err)
	}

	report := &model.StoredReport{
		JobID:     row.JobID,
		Content:   row.Content,
		CreatedAt: row.CreatedAt,
	}
	if len(row.RefList) > 0 {
		if err := json.Unmarshal(row.RefList, &report.References); err != nil {
			s.logger.Warn("Discarding malformed reference list", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return report, nil
}
