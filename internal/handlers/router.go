package handlers

import "net/http"

// Router builds the mux for the prior-authorization API surface, including
// GET /health. /metrics is not registered here. internal/middleware.APIKey
// lets /health and /metrics through without a key.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)

	mux.HandleFunc("POST /sessions", h.HandleCreateSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.HandleDeleteSession)
	mux.HandleFunc("GET /sessions", h.HandleListSessions)

	mux.HandleFunc("POST /agents", h.HandleCreateAgent)
	mux.HandleFunc("GET /agents/{id}/status", h.HandleAgentStatus)
	mux.HandleFunc("POST /agents/{id}/stop", h.HandleAgentStop)
	mux.HandleFunc("POST /agents/{id}/pause", h.HandleAgentPause)
	mux.HandleFunc("POST /agents/{id}/resume", h.HandleAgentResume)

	mux.HandleFunc("POST /prior-auths", h.HandleIngestBatch)
	mux.HandleFunc("GET /prior-auths/{batch_id}", h.HandleGetBatch)
	mux.HandleFunc("GET /prior-auths/requests", h.HandleListRequests)
	mux.HandleFunc("PUT /prior-auths/requests/{id}/status", h.HandleUpdateRequestStatus)

	mux.HandleFunc("GET /stream-logs/request/{request_id}", h.HandleStreamLogs)

	return mux
}
