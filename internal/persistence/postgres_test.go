package persistence

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/researchdesk/api/internal/jobstore"
	"github.com/researchdesk/api/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "sqlmock"), zaptest.NewLogger(t)), mock
}

func TestCreateJob(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO research_jobs (job_id,subject,subject_url,industry,location,status,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (job_id) DO NOTHING",
	)).WithArgs("job-1", "Acme", "acme.com", "", "", "pending", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CreateJob(context.Background(), &model.Job{
		ID: "job-1", Subject: "Acme", SubjectURL: "acme.com",
		Status: model.JobStatusPending, CreatedAt: now, LastUpdate: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE research_jobs SET status = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	msg := "boom"
	err := store.UpdateJob(context.Background(), &model.Job{
		ID: "missing", Status: model.JobStatusFailed, Error: &msg, LastUpdate: time.Now(),
	})
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreReportUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO research_reports (job_id,report_content,reference_list,created_at)")).
		WithArgs("job-1", "# Report", []byte(`[{"url":"https://acme.com","title":"Acme","website":"Acme","domain":"acme.com","score":0.9}]`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.StoreReport(context.Background(), &model.StoredReport{
		JobID:   "job-1",
		Content: "# Report",
		References: []model.Reference{
			{URL: "https://acme.com", Title: "Acme", Website: "Acme", Domain: "acme.com", Score: 0.9},
		},
		CreatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	rows := sqlmock.NewRows([]string{
		"job_id", "subject", "subject_url", "industry", "location", "status",
		"error", "report_url", "report", "created_at", "updated_at", "completed_at",
	}).AddRow("job-1", "Acme", "", "Retail", "", "completed",
		nil, "", "# Report", now, now, now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM research_jobs j LEFT JOIN research_reports r ON r.job_id = j.job_id WHERE j.job_id = $1")).
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, "Retail", job.Industry)
	assert.Equal(t, "# Report", job.Report)
	assert.Nil(t, job.Error)
	require.NotNil(t, job.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM research_jobs").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestGetReport(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"job_id", "report_content", "reference_list", "created_at"}).
		AddRow("job-1", "# Report", []byte(`[{"url":"https://acme.com","title":"Acme"}]`), now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT job_id, report_content, reference_list, created_at FROM research_reports WHERE job_id = $1")).
		WithArgs("job-1").
		WillReturnRows(rows)

	report, err := store.GetReport(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "# Report", report.Content)
	require.Len(t, report.References, 1)
	assert.Equal(t, "https://acme.com", report.References[0].URL)
}
