package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priorauth/browseragent/internal/agentrunner"
	"github.com/priorauth/browseragent/internal/config"
	"github.com/priorauth/browseragent/internal/domain"
	"github.com/priorauth/browseragent/internal/ingest"
	"github.com/priorauth/browseragent/internal/procsup"
	"github.com/priorauth/browseragent/internal/pubsubtopic"
	"github.com/priorauth/browseragent/internal/sessionreg"
	"github.com/priorauth/browseragent/internal/slotpool"
)

func testHandler(t *testing.T, newAgent AgentFactory) *Handler {
	t.Helper()
	cfg := config.Load()
	cfg.SlotPoolSize = 2
	cfg.MaxSessions = 2
	cfg.SessionCleanupInterval = time.Hour
	cfg.SessionTTL = time.Hour

	pool := slotpool.New(cfg)
	sup := procsup.New(cfg)
	registry := sessionreg.New(cfg, sessionreg.FixedPool{Size: cfg.SlotPoolSize}, pool, sup)
	t.Cleanup(func() { _ = registry.Close() })

	fakeProgress := &fakeProgressWriter{}
	fakePublisher := &pubsubtopic.FakePublisher{}
	ingestor := ingest.New(fakeProgress, fakePublisher)

	runner := agentrunner.New(&fakeSink{}, &fakeHITL{}, "key")

	return New(cfg, registry, runner, ingestor, nil, nil, newAgent)
}

type fakeProgressWriter struct {
	created []domain.Request
}

func (f *fakeProgressWriter) CreateRequest(_ context.Context, req domain.Request) error {
	f.created = append(f.created, req)
	return nil
}

type fakeSink struct{}

func (f *fakeSink) Append(_ context.Context, _ string, _ domain.LogRecord) error {
	return nil
}

type fakeHITL struct{}

func (f *fakeHITL) Notify(_ context.Context, _, _ string) error { return nil }

func TestHandleHealth(t *testing.T) {
	h := testHandler(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	h.HandleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body response
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("expected status ok, got %q", body.Status)
	}
}

func TestHandleCreateSessionRejectsInvalidJSON(t *testing.T) {
	h := testHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()

	h.HandleCreateSession(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleCreateSessionReturnsVNCFields(t *testing.T) {
	h := testHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString(""))
	w := httptest.NewRecorder()

	h.HandleCreateSession(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Data struct {
			SessionID  string `json:"session_id"`
			VNCURL     string `json:"vnc_url"`
			VNCPort    int    `json:"vnc_port"`
			WebPort    int    `json:"web_port"`
			DisplayNum int    `json:"display_num"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))

	assert.NotEqual(t, body.Data.VNCPort, body.Data.WebPort, "vnc_port and web_port must differ")
	assert.Contains(t, body.Data.VNCURL, body.Data.SessionID)
}

func TestHandleListSessionsEmpty(t *testing.T) {
	h := testHandler(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()

	h.HandleListSessions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"count":0`)) {
		t.Errorf("expected empty session list, got %s", w.Body.String())
	}
}

func TestHandleCreateAgentWithoutFactoryReturns501(t *testing.T) {
	h := testHandler(t, nil)
	body, _ := json.Marshal(createAgentRequest{SessionID: "s1", RequestID: "r1", Task: "do the thing"})
	req := httptest.NewRequest(http.MethodPost, "/agents", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleCreateAgent(w, req)

	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
}

func TestHandleCreateAgentRejectsMissingFields(t *testing.T) {
	h := testHandler(t, func() agentrunner.Agent { return nil })
	body, _ := json.Marshal(createAgentRequest{Task: "do the thing"})
	req := httptest.NewRequest(http.MethodPost, "/agents", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleCreateAgent(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleAgentStatusUnknownRequest(t *testing.T) {
	h := testHandler(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/agents/missing/status", nil)
	req.SetPathValue("id", "missing")
	w := httptest.NewRecorder()

	h.HandleAgentStatus(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleIngestBatchRejectsNonArrayBody(t *testing.T) {
	h := testHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/prior-auths", bytes.NewBufferString(`{"not":"an array"}`))
	w := httptest.NewRecorder()

	h.HandleIngestBatch(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleIngestBatchRejectsEmptyBatch(t *testing.T) {
	h := testHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/prior-auths", bytes.NewBufferString(`[]`))
	w := httptest.NewRecorder()

	h.HandleIngestBatch(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleIngestBatchAcceptsValidPayloads(t *testing.T) {
	h := testHandler(t, nil)
	payloads := []map[string]any{
		{"vendor": "evicore", "patient_id": "1"},
		{"vendor": "optum", "patient_id": "2"},
	}
	body, _ := json.Marshal(payloads)
	req := httptest.NewRequest(http.MethodPost, "/prior-auths", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleIngestBatch(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleUpdateRequestStatusRequiresStatus(t *testing.T) {
	h := testHandler(t, nil)
	req := httptest.NewRequest(http.MethodPut, "/prior-auths/requests/r1/status", bytes.NewBufferString(`{}`))
	req.SetPathValue("id", "r1")
	w := httptest.NewRecorder()

	h.HandleUpdateRequestStatus(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestParsePositiveInt(t *testing.T) {
	n, err := parsePositiveInt("42")
	if err != nil || n != 42 {
		t.Fatalf("expected 42, got %d, err=%v", n, err)
	}
	if _, err := parsePositiveInt("-1"); err == nil {
		t.Error("expected an error for a negative input")
	}
	if _, err := parsePositiveInt("abc"); err == nil {
		t.Error("expected an error for a non-numeric input")
	}
}
