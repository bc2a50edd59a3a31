// Package handlers provides HTTP request handlers for the prior-authorization
// browser-agent API, wiring the Session Registry (C3), Agent Runner (C4),
// Batch Ingestor (C5), Progress Store (C7), and Log Relay (C8) onto the
// REST surface.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priorauth/browseragent/internal/agentrunner"
	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/config"
	"github.com/priorauth/browseragent/internal/domain"
	"github.com/priorauth/browseragent/internal/ingest"
	"github.com/priorauth/browseragent/internal/logrelay"
	"github.com/priorauth/browseragent/internal/progress"
	"github.com/priorauth/browseragent/internal/sessionreg"
	"github.com/priorauth/browseragent/pkg/version"
)

// AgentFactory builds a concrete agentrunner.Agent for one run. The
// reasoning loop itself is an external collaborator (out of scope here);
// production wiring supplies a factory backed by an LLM client, tests
// supply a fake.
type AgentFactory func() agentrunner.Agent

// Handler is the prior-authorization API's single http.Handler, dispatched
// by Router.
type Handler struct {
	cfg *config.Config

	sessions *sessionreg.Registry
	runner   *agentrunner.Runner
	ingestor *ingest.Ingestor
	progress *progress.Store
	logs     *logrelay.Relay

	newAgent AgentFactory
}

// New builds a Handler over the five backend components (sessions, runner,
// ingestor, progress store, log relay). newAgent may be nil
// in deployments that never accept POST /agents (e.g. the ingestor-only
// service).
func New(cfg *config.Config, sessions *sessionreg.Registry, runner *agentrunner.Runner, ingestor *ingest.Ingestor, progressStore *progress.Store, logs *logrelay.Relay, newAgent AgentFactory) *Handler {
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		runner:   runner,
		ingestor: ingestor,
		progress: progressStore,
		logs:     logs,
		newAgent: newAgent,
	}
}

// response is the consistent JSON envelope for every non-streaming route.
type response struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	StartTime int64  `json:"startTimestamp"`
	EndTime   int64  `json:"endTimestamp"`
	Version   string `json:"version"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data any, startTime time.Time) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	resp := response{
		Status:    "ok",
		Data:      data,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
		h.writeError(w, http.StatusInternalServerError, "failed to encode response", startTime)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := response{
		Status:    "error",
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Str("message", message).Msg("failed to encode error response")
	}
}

// writeDomainError maps a sentinel/typed apperrors value to its HTTP status.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, startTime time.Time) {
	switch {
	case errors.Is(err, apperrors.ErrPoolExhausted):
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), startTime)
	case errors.Is(err, apperrors.ErrSessionNotFound), errors.Is(err, apperrors.ErrRequestNotFound), errors.Is(err, apperrors.ErrActionNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), startTime)
	case errors.Is(err, apperrors.ErrSessionAlreadyExists), errors.Is(err, apperrors.ErrAlreadyInUse):
		h.writeError(w, http.StatusConflict, err.Error(), startTime)
	case errors.Is(err, apperrors.ErrTooManySessions):
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), startTime)
	case errors.Is(err, apperrors.ErrEmptyBatch), errors.Is(err, apperrors.ErrFileNotWhitelisted), errors.Is(err, apperrors.ErrFileNotFound), errors.Is(err, apperrors.ErrInvalidSession):
		h.writeError(w, http.StatusBadRequest, err.Error(), startTime)
	case errors.Is(err, apperrors.ErrMissingAPIKey):
		h.writeError(w, http.StatusPreconditionFailed, err.Error(), startTime)
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error(), startTime)
	}
}

// HandleHealth reports process liveness. The API key middleware lets it
// through without a key; it is still subject to rate limiting when that
// middleware is enabled.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	startTime := time.Now()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"healthy": true,
		"version": version.Full(),
	}, startTime)
}

// --- Sessions (C1/C2/C3) ---------------------------------------------------

type createSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var body createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON body", startTime)
			return
		}
	}

	entry, err := h.sessions.Create(r.Context(), body.SessionID)
	if err != nil {
		h.writeDomainError(w, err, startTime)
		return
	}

	vncURL := fmt.Sprintf("%s/sessions/%s/vnc/vnc.html?autoconnect=1",
		h.cfg.VNCBaseURL, entry.Record.SessionID)

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":  entry.Record.SessionID,
		"state":       entry.Record.State,
		"vnc_url":     vncURL,
		"vnc_port":    entry.Record.Slot.VNCPort,
		"web_port":    entry.Record.Slot.WebPort,
		"display_num": entry.Record.Slot.DisplayNum,
	}, startTime)
}

func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	sessionID := r.PathValue("id")

	if err := h.sessions.Delete(sessionID); err != nil {
		h.writeDomainError(w, err, startTime)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "deleted": true}, startTime)
}

func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ids := h.sessions.List()
	h.writeJSON(w, http.StatusOK, map[string]any{"session_ids": ids, "count": len(ids)}, startTime)
}

// --- Agents (C4) ------------------------------------------------------------

type createAgentRequest struct {
	SessionID     string   `json:"session_id"`
	RequestID     string   `json:"request_id"`
	Task          string   `json:"task"`
	Model         string   `json:"model,omitempty"`
	FileWhitelist []string `json:"file_whitelist,omitempty"`
	ExtendPrompt  string   `json:"extend_prompt,omitempty"`
}

// HandleCreateAgent binds and runs an agent against an already-started
// session. Run blocks inside the Agent Runner for the lifetime of the
// task; the caller polls GET /agents/{id}/status rather than waiting on
// this request, so the run is kicked off in its own
// goroutine and this handler returns immediately once binding succeeds.
func (h *Handler) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if h.newAgent == nil {
		h.writeError(w, http.StatusNotImplemented, "this deployment does not run agents", startTime)
		return
	}

	var body createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", startTime)
		return
	}
	if body.SessionID == "" || body.RequestID == "" || body.Task == "" {
		h.writeError(w, http.StatusBadRequest, "session_id, request_id, and task are required", startTime)
		return
	}

	entry, err := h.sessions.Get(body.SessionID)
	if err != nil {
		h.writeDomainError(w, err, startTime)
		return
	}

	agent := h.newAgent()
	llm := agentrunner.LLMConfig{Model: body.Model, APIKey: h.cfg.GoogleAPIKey}

	go func() {
		runCtx := context.Background()
		if err := h.runner.Run(runCtx, agent, entry, body.RequestID, body.Task, llm, body.FileWhitelist, body.ExtendPrompt); err != nil {
			log.Error().Str("request_id", body.RequestID).Err(err).Msg("agent run ended in error")
		}
	}()

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": body.RequestID,
		"session_id": body.SessionID,
		"status":     "running",
	}, startTime)
}

func (h *Handler) run(requestID string) (*agentrunner.Run, bool) {
	run := h.runner.Get(requestID)
	return run, run != nil
}

func (h *Handler) HandleAgentStatus(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	requestID := r.PathValue("id")

	run, ok := h.run(requestID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no run in progress for this request", startTime)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "status": run.Status()}, startTime)
}

func (h *Handler) HandleAgentStop(w http.ResponseWriter, r *http.Request) {
	h.agentControl(w, r, func(run *agentrunner.Run) error { return run.Stop() })
}

func (h *Handler) HandleAgentPause(w http.ResponseWriter, r *http.Request) {
	h.agentControl(w, r, func(run *agentrunner.Run) error { return run.Pause() })
}

func (h *Handler) HandleAgentResume(w http.ResponseWriter, r *http.Request) {
	h.agentControl(w, r, func(run *agentrunner.Run) error { return run.Resume() })
}

func (h *Handler) agentControl(w http.ResponseWriter, r *http.Request, action func(*agentrunner.Run) error) {
	startTime := time.Now()
	requestID := r.PathValue("id")

	run, ok := h.run(requestID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no run in progress for this request", startTime)
		return
	}
	if err := action(run); err != nil {
		h.writeError(w, http.StatusConflict, err.Error(), startTime)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "status": run.Status()}, startTime)
}

// --- Prior authorizations (C5/C7) ------------------------------------------

func (h *Handler) HandleIngestBatch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var payloads []map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
		h.writeError(w, http.StatusBadRequest, "body must be a JSON array of prior-authorization payloads", startTime)
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), payloads)
	if err != nil {
		h.writeDomainError(w, err, startTime)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"batch_id":           result.BatchID,
		"total_requests":     result.TotalRequests,
		"requests_per_payer": result.RequestsPerPayer,
	}, startTime)
}

func (h *Handler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	batchID := r.PathValue("batch_id")

	summaries, err := h.progress.ListRecent(r.Context(), progress.Filters{BatchID: batchID}, 0)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), startTime)
		return
	}
	if len(summaries) == 0 {
		h.writeError(w, http.StatusNotFound, "batch not found or has no requests", startTime)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "requests": summaries}, startTime)
}

func (h *Handler) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	q := r.URL.Query()
	filters := progress.Filters{
		BatchID: q.Get("batch_id"),
		Vendor:  q.Get("vendor"),
		Status:  domain.RequestStatus(q.Get("status")),
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}

	summaries, err := h.progress.ListRecent(r.Context(), filters, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), startTime)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": summaries, "count": len(summaries)}, startTime)
}

type updateRequestStatusRequest struct {
	Status  string `json:"status"`
	Remarks string `json:"remarks,omitempty"`
}

func (h *Handler) HandleUpdateRequestStatus(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	requestID := r.PathValue("id")

	var body updateRequestStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		h.writeError(w, http.StatusBadRequest, "status is required", startTime)
		return
	}

	if err := h.progress.UpdateStatus(r.Context(), requestID, domain.RequestStatus(body.Status), body.Remarks); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), startTime)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "status": body.Status}, startTime)
}

// --- Log relay (C8) ----------------------------------------------------------

// HandleStreamLogs serves the subscribe_sse contract directly from the
// Log Relay.
func (h *Handler) HandleStreamLogs(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	h.logs.ServeSSE(w, r, requestID)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("not a positive integer")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
