package jobstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/researchdesk/api/internal/model"
)

func newRedisStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	opts = append(opts, WithLogger(zaptest.NewLogger(t)))
	return New(NewRedisBackend(client, time.Hour), opts...), mr
}

type fakePersistence struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	reports map[string]*model.StoredReport
	fail    bool
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		jobs:    make(map[string]*model.Job),
		reports: make(map[string]*model.StoredReport),
	}
}

func (f *fakePersistence) CreateJob(_ context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("mongo unavailable")
	}
	f.jobs[job.ID] = job.Clone()
	return nil
}

func (f *fakePersistence) UpdateJob(ctx context.Context, job *model.Job) error {
	return f.CreateJob(ctx, job)
}

func (f *fakePersistence) StoreReport(_ context.Context, report *model.StoredReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("mongo unavailable")
	}
	f.reports[report.JobID] = report
	return nil
}

func (f *fakePersistence) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (f *fakePersistence) GetReport(_ context.Context, jobID string) (*model.StoredReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.reports[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return report, nil
}

type fakeArchiver struct{}

func (fakeArchiver) ArchiveReport(_ context.Context, jobID, _ string) (string, error) {
	return "https://cdn.example.com/reports/" + jobID + ".md", nil
}

func TestStoreLifecycle(t *testing.T) {
	store, mr := newRedisStore(t, WithArchiver(fakeArchiver{}))
	ctx := context.Background()

	job, err := store.Create(ctx, "", model.ResearchRequest{Subject: "Acme", SubjectURL: "acme.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.True(t, mr.Exists("job:"+job.ID))

	require.NoError(t, store.MarkProcessing(ctx, job.ID))
	require.NoError(t, store.Touch(ctx, job.ID))

	_, err = store.Report(ctx, job.ID)
	assert.ErrorIs(t, err, ErrReportNotReady)

	refs := []model.Reference{{URL: "https://acme.com", Title: "Acme", Website: "Acme"}}
	require.NoError(t, store.Complete(ctx, job.ID, "# Acme report", refs))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, "# Acme report", got.Report)
	assert.Equal(t, refs, got.References)
	assert.Equal(t, "https://cdn.example.com/reports/"+job.ID+".md", got.ReportURL)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.Error)

	report, err := store.Report(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Acme report", report.Content)
}

func TestStoreRejectsBackwardTransitions(t *testing.T) {
	store := New(NewMemoryBackend())
	ctx := context.Background()

	job, err := store.Create(ctx, "job-1", model.ResearchRequest{Subject: "Acme"})
	require.NoError(t, err)

	require.NoError(t, store.MarkProcessing(ctx, job.ID))
	require.NoError(t, store.Fail(ctx, job.ID, "boom"))

	assert.ErrorIs(t, store.MarkProcessing(ctx, job.ID), ErrInvalidTransition)
	assert.ErrorIs(t, store.Complete(ctx, job.ID, "late", nil), ErrInvalidTransition)
	assert.NoError(t, store.Touch(ctx, job.ID))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", *got.Error)
}

func TestStoreDuplicateAndMissing(t *testing.T) {
	store := New(NewMemoryBackend())
	ctx := context.Background()

	_, err := store.Create(ctx, "job-1", model.ResearchRequest{Subject: "Acme"})
	require.NoError(t, err)
	_, err = store.Create(ctx, "job-1", model.ResearchRequest{Subject: "Acme"})
	assert.ErrorIs(t, err, ErrJobExists)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Report(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.MarkProcessing(ctx, "missing"), ErrNotFound)
}

func TestStoreFailSubstitutesEmptyMessage(t *testing.T) {
	store := New(NewMemoryBackend())
	ctx := context.Background()
	_, err := store.Create(ctx, "job-1", model.ResearchRequest{Subject: "Acme"})
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, "job-1", ""))
	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.NotEmpty(t, *got.Error)
}

func TestStoreFallsBackToPersistence(t *testing.T) {
	persistence := newFakePersistence()
	store, mr := newRedisStore(t, WithPersistence(persistence))
	ctx := context.Background()

	job, err := store.Create(ctx, "job-1", model.ResearchRequest{Subject: "Acme"})
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessing(ctx, job.ID))
	require.NoError(t, store.Complete(ctx, job.ID, "final report", nil))

	// Simulate TTL expiry in Redis
	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("job:job-1"))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	report, err := store.Report(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "final report", report.Content)
}

func TestStoreIgnoresPersistenceFailures(t *testing.T) {
	persistence := newFakePersistence()
	persistence.fail = true
	store := New(NewMemoryBackend(), WithPersistence(persistence), WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	_, err := store.Create(ctx, "job-1", model.ResearchRequest{Subject: "Acme"})
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessing(ctx, "job-1"))
	require.NoError(t, store.Complete(ctx, "job-1", "report", nil))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
}

func (s *Store) lockCount() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

func TestStoreReleasesJobLocks(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend())

	for i := 0; i < 50; i++ {
		job, err := store.Create(ctx, "", model.ResearchRequest{Subject: "Acme"})
		require.NoError(t, err)
		require.NoError(t, store.MarkProcessing(ctx, job.ID))
		require.NoError(t, store.Touch(ctx, job.ID))
		if i%2 == 0 {
			require.NoError(t, store.Complete(ctx, job.ID, "# Acme Research Report", nil))
		} else {
			require.NoError(t, store.Fail(ctx, job.ID, "search failed"))
		}
	}

	assert.Zero(t, store.lockCount())
}

func TestStoreSerializesConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemoryBackend())
	job, err := store.Create(ctx, "job-1", model.ResearchRequest{Subject: "Acme"})
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessing(ctx, job.ID))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = store.Complete(ctx, job.ID, "report", nil)
			} else {
				err = store.Fail(ctx, job.ID, "boom")
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Zero(t, store.lockCount())
}
