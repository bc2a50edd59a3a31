package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler() returned nil")
	}

	RecordHTTPRequest("test", "ok", 1*time.Second)
	UpdateSlotPoolMetrics(3, 2)
	UpdateSessionMetrics(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"browseragent_slot_pool_size",
		"browseragent_slot_pool_available",
		"browseragent_active_sessions",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.22")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "browseragent_build_info") {
		t.Error("Expected browseragent_build_info metric")
	}
	if !strings.Contains(body, "version=\"1.0.0\"") {
		t.Error("Expected version label in build_info")
	}
	if !strings.Contains(body, "go_version=\"go1.22\"") {
		t.Error("Expected go_version label in build_info")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	RecordHTTPRequest("/sessions", "200", 1*time.Second)
	RecordHTTPRequest("/sessions", "503", 500*time.Millisecond)
	RecordHTTPRequest("/prior-auths", "200", 2*time.Second)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "browseragent_http_requests_total") {
		t.Error("Expected browseragent_http_requests_total metric")
	}
	if !strings.Contains(body, "browseragent_http_request_duration_seconds") {
		t.Error("Expected browseragent_http_request_duration_seconds metric")
	}
}

func TestRecordSupervisorStart(t *testing.T) {
	RecordSupervisorStart("ok")
	RecordSupervisorStart("browser_attach_failed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "browseragent_supervisor_starts_total") {
		t.Error("Expected browseragent_supervisor_starts_total metric")
	}
}

func TestRecordIngestedAndDispatched(t *testing.T) {
	RecordIngested("evicore", 3)
	RecordDispatched("planner_ok")
	RecordDispatched("duplicate")
	RecordAgentRun("completed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "browseragent_ingested_requests_total") {
		t.Error("Expected browseragent_ingested_requests_total metric")
	}
	if !strings.Contains(body, "browseragent_dispatched_messages_total") {
		t.Error("Expected browseragent_dispatched_messages_total metric")
	}
	if !strings.Contains(body, "browseragent_agent_runs_total") {
		t.Error("Expected browseragent_agent_runs_total metric")
	}
}

func TestUpdateSlotPoolMetrics(t *testing.T) {
	UpdateSlotPoolMetrics(3, 2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "browseragent_slot_pool_size 3") {
		t.Error("Expected slot_pool_size to be 3")
	}
	if !strings.Contains(body, "browseragent_slot_pool_available 2") {
		t.Error("Expected slot_pool_available to be 2")
	}
}

func TestUpdateSessionMetrics(t *testing.T) {
	UpdateSessionMetrics(5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "browseragent_active_sessions 5") {
		t.Error("Expected active_sessions to be 5")
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()

	Middleware(inner).ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Fatalf("expected wrapped handler's status to pass through, got %d", w.Code)
	}

	scrape := httptest.NewRecorder()
	Handler().ServeHTTP(scrape, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(scrape.Body.String(), `route="/sessions"`) {
		t.Error("expected route label for /sessions in scraped output")
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})

	go StartMemoryCollector(50*time.Millisecond, stopCh)

	time.Sleep(150 * time.Millisecond)

	close(stopCh)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()

	if !strings.Contains(body, "browseragent_memory_usage_bytes") {
		t.Error("Expected browseragent_memory_usage_bytes metric")
	}
	if !strings.Contains(body, "browseragent_memory_sys_bytes") {
		t.Error("Expected browseragent_memory_sys_bytes metric")
	}
	if !strings.Contains(body, "browseragent_goroutines") {
		t.Error("Expected browseragent_goroutines metric")
	}
}
