package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/client"
	"github.com/researchdesk/api/internal/curation"
	"github.com/researchdesk/api/internal/limiter"
	"github.com/researchdesk/api/internal/model"
)

// Publisher receives progress events for a job
type Publisher interface {
	Publish(evt model.ProgressEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.ProgressEvent) {}

// BriefingLimits bounds how much evidence goes into one briefing prompt
type BriefingLimits struct {
	MaxDocChars   int
	MaxTotalChars int
}

const (
	defaultMaxDocChars   = 8000
	defaultMaxTotalChars = 120000
)

// Env carries the collaborators a stage needs. One Env is built per job.
type Env struct {
	JobID     string
	Search    client.SearchClient
	LLM       client.LLMClient
	Pools     *limiter.Executor
	Publisher Publisher
	Logger    *zap.Logger

	Curation      curation.Config
	MaxReferences int
	Briefing      BriefingLimits

	// Now is the clock used for year-stamped fallback queries
	Now func() time.Time
}

// forJob returns a copy of e bound to jobID with defaults filled in
func (e Env) forJob(jobID string) *Env {
	e.JobID = jobID
	if e.Publisher == nil {
		e.Publisher = nopPublisher{}
	}
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	e.Logger = e.Logger.With(zap.String("job_id", jobID))
	if e.Pools == nil {
		e.Pools = limiter.New(limiter.DefaultPools())
	}
	if e.Curation.MaxPerCategory <= 0 {
		e.Curation.MaxPerCategory = curation.DefaultMaxPerCategory
	}
	if e.Briefing.MaxDocChars <= 0 {
		e.Briefing.MaxDocChars = defaultMaxDocChars
	}
	if e.Briefing.MaxTotalChars <= 0 {
		e.Briefing.MaxTotalChars = defaultMaxTotalChars
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return &e
}

func (e *Env) publish(status, message string, result map[string]any) {
	e.Publisher.Publish(model.ProgressEvent{
		JobID:   e.JobID,
		Status:  status,
		Message: message,
		Result:  result,
	})
}
