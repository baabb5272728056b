package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/researchdesk/api/internal/client"
	"github.com/researchdesk/api/internal/curation"
	"github.com/researchdesk/api/internal/jobstore"
	"github.com/researchdesk/api/internal/limiter"
	"github.com/researchdesk/api/internal/model"
)

var testNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type fakeSearch struct {
	mu      sync.Mutex
	queries []string
	search  func(query string, opts client.SearchOptions) ([]client.SearchResult, error)
	extract func(url string) (string, error)
}

func (f *fakeSearch) Search(_ context.Context, query string, opts client.SearchOptions) ([]client.SearchResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	return f.search(query, opts)
}

func (f *fakeSearch) Extract(_ context.Context, url string) (string, error) {
	if f.extract == nil {
		return "", errors.New("extract not supported")
	}
	return f.extract(url)
}

func (f *fakeSearch) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// slug turns a query into a stable URL path
func slug(q string) string {
	return strings.ReplaceAll(strings.ToLower(q), " ", "-")
}

// newsAwareSearch returns one relevant and one irrelevant hit per query,
// hosted on <category>.example.com
func newsAwareSearch() *fakeSearch {
	return &fakeSearch{
		search: func(q string, _ client.SearchOptions) ([]client.SearchResult, error) {
			host := "general"
			for _, c := range model.Categories {
				if strings.Contains(q, string(c)) {
					host = string(c)
				}
			}
			return []client.SearchResult{
				{URL: fmt.Sprintf("https://%s.example.com/%s", host, slug(q)), Title: "Result for " + q, Content: "snippet about " + q, Score: 0.9},
				{URL: fmt.Sprintf("https://%s.example.com/%s-weak", host, slug(q)), Title: "Weak " + q, Content: "weak snippet", Score: 0.3},
				{URL: "", Title: "no url", Content: "dropped", Score: 0.99},
			}, nil
		},
		extract: func(url string) (string, error) {
			return "full text of " + url, nil
		},
	}
}

type fakeLLM struct {
	calls    atomic.Int32
	complete func(req client.CompletionRequest) (string, error)
}

func (f *fakeLLM) Complete(_ context.Context, req client.CompletionRequest) (string, error) {
	f.calls.Add(1)
	return f.complete(req)
}

var queryMarkers = map[string]model.Category{
	"financial analysis":   model.CategoryFinancial,
	"recent news coverage": model.CategoryNews,
	"industry analysis":    model.CategoryIndustry,
	"company fundamentals": model.CategoryCompany,
}

func queryCategory(prompt string) model.Category {
	for marker, c := range queryMarkers {
		if strings.Contains(prompt, marker) {
			return c
		}
	}
	return ""
}

func briefingCategory(prompt string) model.Category {
	for _, c := range model.Categories {
		if strings.Contains(prompt, fmt.Sprintf("Create a focused %s briefing", c)) {
			return c
		}
	}
	return ""
}

// scriptedLLM answers query generation, briefing and editor prompts
func scriptedLLM() *fakeLLM {
	return &fakeLLM{complete: func(req client.CompletionRequest) (string, error) {
		switch {
		case strings.HasPrefix(req.System, "You are researching"):
			c := queryCategory(req.User)
			return fmt.Sprintf("1. Acme %s one\n2. Acme %s two", c, c), nil
		case req.System == briefingSystem:
			return fmt.Sprintf("* %s fact", briefingCategory(req.User)), nil
		case req.System == editorSystem:
			return "# Acme Research Report\n\n## Company Overview\n* compiled\n", nil
		}
		return "", errors.New("unexpected prompt")
	}}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (p *recordingPublisher) Publish(evt model.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Status
	}
	return out
}

func (p *recordingPublisher) last() model.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) outcome(stage string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.Result != nil && e.Result["step"] == stage {
			if o, ok := e.Result["outcome"].(string); ok {
				return o
			}
		}
	}
	return ""
}

type harness struct {
	runner *Runner
	store  *jobstore.Store
	pub    *recordingPublisher
	jobID  string
}

func newHarness(t *testing.T, graph *Graph, search client.SearchClient, llm client.LLMClient) *harness {
	t.Helper()
	if graph == nil {
		var err error
		graph, err = Default()
		require.NoError(t, err)
	}

	logger := zaptest.NewLogger(t)
	store := jobstore.New(jobstore.NewMemoryBackend(), jobstore.WithLogger(logger))
	pub := &recordingPublisher{}

	job, err := store.Create(context.Background(), "", model.ResearchRequest{Subject: "Acme", Industry: "Manufacturing"})
	require.NoError(t, err)

	runner := NewRunner(graph, store, Env{
		Search:        search,
		LLM:           llm,
		Pools:         limiter.New(limiter.DefaultPools(), limiter.WithLogger(logger)),
		Publisher:     pub,
		Logger:        logger,
		Curation:      curation.DefaultConfig(),
		MaxReferences: 10,
		Now:           func() time.Time { return testNow },
	})
	return &harness{runner: runner, store: store, pub: pub, jobID: job.ID}
}

func (h *harness) execute(ctx context.Context) error {
	return h.runner.Execute(ctx, h.jobID, model.ResearchRequest{Subject: "Acme", Industry: "Manufacturing"})
}

func (h *harness) job(t *testing.T) *model.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), h.jobID)
	require.NoError(t, err)
	return job
}

func TestExecuteCompletesJob(t *testing.T) {
	search := newsAwareSearch()
	h := newHarness(t, nil, search, scriptedLLM())

	require.NoError(t, h.execute(context.Background()))

	job := h.job(t)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.True(t, strings.HasPrefix(job.Report, "# Acme Research Report"))
	assert.Contains(t, job.Report, "## References")
	assert.Contains(t, job.Report, `* Financial. "Result for Acme financial one." https://financial.example.com/acme-financial-one`)
	assert.Len(t, job.References, 8)
	assert.NotNil(t, job.CompletedAt)

	statuses := h.pub.statuses()
	for _, want := range []string{"query_generated", "query_searched", "document_kept", "curation_complete", "batch_start", "extracted", "enrichment_complete", "briefing_complete", "report_compiled"} {
		assert.Contains(t, statuses, want)
	}

	last := h.pub.last()
	assert.Equal(t, "completed", last.Status)
	assert.Equal(t, job.Report, last.Result["report"])
	assert.Equal(t, "Acme", last.Result["subject"])

	assert.Len(t, search.seen(), 8)
}

func TestExecuteToleratesOneFailingCollector(t *testing.T) {
	search := newsAwareSearch()
	ok := search.search
	search.search = func(q string, opts client.SearchOptions) ([]client.SearchResult, error) {
		if opts.Topic == client.TopicNews {
			return nil, errors.New("news index unavailable")
		}
		return ok(q, opts)
	}

	llm := scriptedLLM()
	script := llm.complete
	var newsBriefed atomic.Bool
	llm.complete = func(req client.CompletionRequest) (string, error) {
		if req.System == briefingSystem && briefingCategory(req.User) == model.CategoryNews {
			newsBriefed.Store(true)
		}
		return script(req)
	}

	h := newHarness(t, nil, search, llm)
	require.NoError(t, h.execute(context.Background()))

	job := h.job(t)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Len(t, job.References, 6)
	assert.NotContains(t, job.Report, "news.example.com")

	assert.Equal(t, OutcomeDegraded, h.pub.outcome("news_scanner"))
	assert.Equal(t, OutcomeOK, h.pub.outcome("financial_analyst"))
	assert.False(t, newsBriefed.Load(), "empty category must not reach the LLM")
	assert.Contains(t, h.pub.statuses(), "query_error")
}

func TestExecuteFailsWhenNoReportCanBeBuilt(t *testing.T) {
	search := &fakeSearch{search: func(string, client.SearchOptions) ([]client.SearchResult, error) {
		return nil, errors.New("search provider down")
	}}
	llm := scriptedLLM()
	h := newHarness(t, nil, search, llm)

	err := h.execute(context.Background())
	assert.ErrorIs(t, err, ErrNoReport)

	job := h.job(t)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "research completed but no report generated", *job.Error)

	// only query generation reached the LLM
	assert.Equal(t, int32(4), llm.calls.Load())
	for _, name := range []string{"financial_analyst", "news_scanner", "industry_analyst", "company_analyst"} {
		assert.Equal(t, OutcomeDegraded, h.pub.outcome(name), name)
	}

	last := h.pub.last()
	assert.Equal(t, "failed", last.Status)
	assert.Equal(t, ErrNoReport.Error(), last.Error)
}

func TestExecuteFallsBackWhenLLMFails(t *testing.T) {
	llm := scriptedLLM()
	script := llm.complete
	llm.complete = func(req client.CompletionRequest) (string, error) {
		if req.System == briefingSystem {
			return script(req)
		}
		return "", errors.New("rate limited")
	}

	search := newsAwareSearch()
	h := newHarness(t, nil, search, llm)
	require.NoError(t, h.execute(context.Background()))

	assert.Contains(t, search.seen(), "Acme overview 2026")
	assert.Contains(t, search.seen(), "Acme industry analysis 2026")

	job := h.job(t)
	assert.True(t, strings.HasPrefix(job.Report, "# Acme Research Report\n\n## Company Overview\n\n"))
	assert.Contains(t, job.Report, "## Industry Overview")
	assert.Contains(t, job.Report, "## References")
}

func TestExecuteFailsOnCriticalStageError(t *testing.T) {
	g, err := NewGraph(
		stage("explode", []Field{FieldInput}, []Field{FieldReport}, true, func(context.Context, State) (Output, error) {
			return nil, errors.New("disk on fire")
		}),
	)
	require.NoError(t, err)

	h := newHarness(t, g, newsAwareSearch(), scriptedLLM())
	err = h.execute(context.Background())
	require.Error(t, err)

	job := h.job(t)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "explode")
	assert.Contains(t, *job.Error, "disk on fire")
}

func TestExecuteFailsWhenContextCancelled(t *testing.T) {
	started := make(chan struct{})
	g, err := NewGraph(
		stage("slow", []Field{FieldInput}, []Field{FieldReport}, true, func(ctx context.Context, _ State) (Output, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
	require.NoError(t, err)

	h := newHarness(t, g, newsAwareSearch(), scriptedLLM())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	require.Error(t, h.execute(ctx))
	assert.Equal(t, model.JobStatusFailed, h.job(t).Status)
}

func TestGroundingFeedsSiteScrapeToCollectors(t *testing.T) {
	search := newsAwareSearch()
	search.extract = func(url string) (string, error) {
		if url == "https://acme.com" {
			return "Acme builds anvils.", nil
		}
		return "full text", nil
	}

	g, err := Default()
	require.NoError(t, err)
	env := Env{Search: search, LLM: scriptedLLM(), Logger: zaptest.NewLogger(t), Now: func() time.Time { return testNow }}.forJob("job-1")

	in := Input{JobID: "job-1", Request: model.ResearchRequest{Subject: "Acme", SubjectURL: "https://acme.com"}}
	var final State
	for snap := range g.Run(context.Background(), in, env) {
		require.NoError(t, snap.Err)
		final = snap.State
	}

	assert.Equal(t, SiteScrape{URL: "https://acme.com", Content: "Acme builds anvils."}, final.SiteScrape())
	company := final.Collected()[model.CategoryCompany]
	require.NotEmpty(t, company)
	assert.Equal(t, sourceSiteScrape, company[0].Source)
	assert.Equal(t, "Company information on Acme", company[0].Query)
	assert.Equal(t, "Acme builds anvils.", company[0].RawContent)
}

func TestGroundingContinuesAfterWebsiteError(t *testing.T) {
	search := newsAwareSearch()
	search.extract = func(string) (string, error) { return "", errors.New("403 forbidden") }
	pub := &recordingPublisher{}
	env := Env{Search: search, Publisher: pub, Logger: zaptest.NewLogger(t)}.forJob("job-1")

	st := NewState(Input{Request: model.ResearchRequest{Subject: "Acme", SubjectURL: "https://acme.com"}})
	out, err := groundingStage{}.Run(context.Background(), st, env)
	require.NoError(t, err)
	assert.Equal(t, SiteScrape{}, out[FieldSiteScrape])

	var found bool
	for _, e := range pub.events {
		if e.Status == "website_error" {
			found = true
			assert.Equal(t, true, e.Result["continue_research"])
			assert.Equal(t, "Initial Site Scrape", e.Result["step"])
		}
	}
	assert.True(t, found)
}

func TestResearcherSkipsShortQueries(t *testing.T) {
	search := newsAwareSearch()
	llm := &fakeLLM{complete: func(client.CompletionRequest) (string, error) {
		return "1. Acme\n2. Acme news\n3. Acme news coverage 2026", nil
	}}
	env := Env{Search: search, LLM: llm, Logger: zaptest.NewLogger(t), Now: func() time.Time { return testNow }}.forJob("job-1")

	r := &researcher{name: "news_scanner", category: model.CategoryNews, topic: client.TopicNews}
	out, err := r.Run(context.Background(), NewState(Input{Request: model.ResearchRequest{Subject: "Acme"}}), env)
	require.NoError(t, err)

	assert.Equal(t, []string{"Acme news coverage 2026"}, search.seen())
	docs := out[DataField(model.CategoryNews)].([]model.Document)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, "Acme news coverage 2026", d.Query)
	}
}

func TestResearcherWithOnlyShortQueriesFindsNothing(t *testing.T) {
	search := newsAwareSearch()
	llm := &fakeLLM{complete: func(client.CompletionRequest) (string, error) {
		return "Acme\nAcme news", nil
	}}
	env := Env{Search: search, LLM: llm, Logger: zaptest.NewLogger(t)}.forJob("job-1")

	r := &researcher{name: "news_scanner", category: model.CategoryNews, topic: client.TopicNews}
	out, err := r.Run(context.Background(), NewState(Input{Request: model.ResearchRequest{Subject: "Acme"}}), env)
	require.NoError(t, err)
	assert.Empty(t, search.seen())
	assert.Empty(t, out[DataField(model.CategoryNews)])
}
