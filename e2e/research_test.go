package e2e

import (
	"net/http"
	"strings"
	"testing"
)

func jobKeys(ta *testApp) []string {
	var keys []string
	for _, k := range ta.redis.Keys() {
		if strings.HasPrefix(k, "job:") {
			keys = append(keys, k)
		}
	}
	return keys
}

func startResearch(t *testing.T, ta *testApp, body string) string {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/research", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	result := parseJSON(t, resp)
	jobID, _ := result["jobId"].(string)
	if jobID == "" {
		t.Fatalf("expected jobId in response, got %v", result)
	}
	if result["progressChannel"] != "/ws/jobs/"+jobID {
		t.Errorf("unexpected progressChannel %v", result["progressChannel"])
	}
	return jobID
}

func TestResearch_NoToken(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/research", `{"subject":"Acme"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
	if len(jobKeys(ta)) != 0 {
		t.Error("expected no job to be created")
	}
}

func TestResearch_BlankSubject(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/research", `{"subject":"   "}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	body := parseJSON(t, resp)
	if code := errorCode(body); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %q", code)
	}

	ta.dispatcher.Wait()
	if keys := jobKeys(ta); len(keys) != 0 {
		t.Errorf("expected no job to be created, got %v", keys)
	}
}

func TestResearch_CompletesWithReport(t *testing.T) {
	ta := setupApp(t)

	jobID := startResearch(t, ta, `{"subject":"Acme","subjectUrl":"","category":"Manufacturing","location":"Ohio"}`)
	ta.dispatcher.Wait()

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/job/"+jobID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	job := parseJSON(t, resp)
	if job["status"] != "completed" {
		t.Fatalf("expected status completed, got %v (error: %v)", job["status"], job["error"])
	}
	if _, ok := job["completedAt"]; !ok {
		t.Error("expected completedAt on a completed job")
	}
	refs, _ := job["references"].([]interface{})
	if len(refs) == 0 || len(refs) > 10 {
		t.Errorf("expected 1..10 references, got %d", len(refs))
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/job/"+jobID+"/report", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	report, _ := parseJSON(t, resp)["report"].(string)
	if !strings.HasPrefix(report, "# Acme Research Report") {
		t.Errorf("expected report title, got %q", report)
	}
	if !strings.Contains(report, "Acme makes anvils.") {
		t.Error("expected editor output in report")
	}
	if !strings.Contains(report, "## References") {
		t.Error("expected references section in report")
	}
}

func TestResearch_SearchOutageFailsWithoutReport(t *testing.T) {
	ta := setupAppWith(t, options{search: &fakeSearch{failAll: true}})

	jobID := startResearch(t, ta, `{"subject":"Acme"}`)
	ta.dispatcher.Wait()

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/job/"+jobID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	job := parseJSON(t, resp)

	// every researcher degrades to empty, so no briefing and no report
	if job["status"] != "failed" {
		t.Fatalf("expected status failed, got %v", job["status"])
	}
	if job["error"] != "research completed but no report generated" {
		t.Errorf("unexpected error %v", job["error"])
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/job/"+jobID+"/report", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
	if code := errorCode(parseJSON(t, resp)); code != "REPORT_NOT_READY" {
		t.Errorf("expected REPORT_NOT_READY, got %q", code)
	}
}

func TestJob_NotFound(t *testing.T) {
	ta := setupApp(t)

	for _, path := range []string{"/job/does-not-exist", "/job/does-not-exist/report"} {
		resp, err := doAuthRequest(t, ta.app, http.MethodGet, path, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusNotFound)
		if code := errorCode(parseJSON(t, resp)); code != "NOT_FOUND" {
			t.Errorf("%s: expected NOT_FOUND, got %q", path, code)
		}
	}
}

func TestResearch_RateLimited(t *testing.T) {
	ta := setupAppWith(t, options{researchPerHour: 1})

	startResearch(t, ta, `{"subject":"Acme"}`)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/research", `{"subject":"Globex"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	ta.dispatcher.Wait()
}

func TestWebSocket_RequiresUpgrade(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/ws/jobs/abc", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUpgradeRequired)
}
