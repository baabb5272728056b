package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/researchdesk/api/internal/auth"
	"github.com/researchdesk/api/internal/client"
	"github.com/researchdesk/api/internal/config"
	"github.com/researchdesk/api/internal/handler"
	"github.com/researchdesk/api/internal/middleware"
	"github.com/researchdesk/api/internal/server"
	"github.com/researchdesk/api/internal/service"
	"github.com/researchdesk/api/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app        *fiber.App
	dispatcher *worker.LocalDispatcher
	redis      *miniredis.Miniredis
	search     *fakeSearch
	llm        *fakeLLM
}

type options struct {
	researchPerHour int
	search          *fakeSearch
	llm             *fakeLLM
}

// setupApp creates the same Fiber app main.go serves, backed by miniredis,
// in-process dispatch and fake providers.
func setupApp(t *testing.T) *testApp {
	return setupAppWith(t, options{})
}

func setupAppWith(t *testing.T, opts options) *testApp {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	cfg := &config.Config{
		Jobs: config.JobsConfig{TTL: time.Hour, Backend: "redis", DispatchMode: config.DispatchLocal},
		Pools: config.PoolsConfig{
			Search:     config.PoolConfig{Concurrency: 4},
			Extraction: config.PoolConfig{Concurrency: 3},
			LLM:        config.PoolConfig{Concurrency: 2},
			BatchSize:  20,
		},
		Curation: config.CurationConfig{Threshold: 0.4, MaxPerCategory: 30, MaxReferences: 10},
		Briefing: config.BriefingConfig{MaxDocChars: 8000, MaxTotalChars: 120000},
		Broadcast: config.BroadcastConfig{SendTimeout: time.Second, Buffer: 64},
	}

	store, closeStore, err := server.NewStore(context.Background(), cfg, redisClient, logger)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	t.Cleanup(closeStore)

	if opts.search == nil {
		opts.search = &fakeSearch{}
	}
	if opts.llm == nil {
		opts.llm = &fakeLLM{}
	}
	if opts.researchPerHour == 0 {
		opts.researchPerHour = 10000
	}

	hub := server.NewHub(cfg.Broadcast, logger)
	runner, err := server.NewRunner(store, server.NewPipelineEnv(cfg, opts.search, opts.llm, hub, logger))
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := worker.NewLocalDispatcher(ctx, worker.NewResearchWorker(runner, logger))
	t.Cleanup(func() {
		cancel()
		dispatcher.Wait()
	})

	svc := service.NewResearchService(store, dispatcher, hub, logger)

	app := server.NewApp(server.Deps{
		Service:   svc,
		Hub:       hub,
		Validator: validator.New(),
		Logger:    logger,
		Auth:      middleware.NewAuthMiddleware(testJWTSecret).Authenticate(),
		Health: handler.NewHealthHandler(
			map[string]bool{"tavily": true, "llm": true, "r2": false},
			map[string]handler.Check{
				"redis": func(ctx context.Context) bool { return redisClient.Ping(ctx).Err() == nil },
			},
		),
		RateLimiter:     middleware.NewRateLimiter(redisClient, logger),
		ResearchPerHour: opts.researchPerHour,
	})

	return &testApp{app: app, dispatcher: dispatcher, redis: mr, search: opts.search, llm: opts.llm}
}

// fakeSearch answers every query with two well-scored results
type fakeSearch struct {
	failAll bool
}

func (s *fakeSearch) Search(_ context.Context, query string, opts client.SearchOptions) ([]client.SearchResult, error) {
	if s.failAll {
		return nil, fmt.Errorf("search provider unavailable")
	}
	slug := strings.ReplaceAll(strings.ToLower(query), " ", "-")
	return []client.SearchResult{
		{
			URL:        "https://example.com/" + opts.Topic + "/" + slug,
			Title:      "Result for " + query,
			Content:    "Summary of " + query,
			RawContent: "Full text about " + query,
			Score:      0.9,
		},
		{
			URL:     "https://news.example.org/" + slug,
			Title:   "Coverage of " + query,
			Content: "Coverage summary",
			Score:   0.7,
		},
	}, nil
}

func (s *fakeSearch) Extract(_ context.Context, url string) (string, error) {
	return "Extracted text from " + url, nil
}

// fakeLLM returns one fixed answer per prompt kind
type fakeLLM struct{}

func (fakeLLM) Complete(_ context.Context, req client.CompletionRequest) (string, error) {
	switch {
	case strings.Contains(req.User, "search queries"):
		return "1. Acme revenue 2026\n2. Acme market share", nil
	case strings.Contains(req.System, "editor"):
		return "## Company Overview\nAcme makes anvils.", nil
	default:
		return "* Acme grew revenue", nil
	}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueToken("test-user-123", "test@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// errorCode extracts error.code from an error response.
func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
