package logrelay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// sseEvent mirrors the four event shapes the stream emits.
type sseEvent struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	StreamKey string         `json:"stream_key,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
}

// ServeSSE implements subscribe_sse: it emits one connected event, then
// loops blocking-reading the stream and emitting log/heartbeat events
// until the client disconnects or an internal error occurs.
func (r *Relay) ServeSSE(w http.ResponseWriter, req *http.Request, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, sseEvent{
		Type:      "connected",
		RequestID: requestID,
		Message:   "subscribed to log stream",
		Timestamp: isoNow(),
	})
	flusher.Flush()

	lastID := "0"
	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		records, newLastID, timedOut, err := r.Tail(ctx, requestID, lastID)
		if err != nil {
			writeEvent(w, sseEvent{Type: "error", Message: err.Error(), Timestamp: isoNow()})
			flusher.Flush()
			log.Warn().Str("request_id", requestID).Err(err).Msg("log relay SSE stream terminated on error")
			return
		}

		if timedOut {
			writeEvent(w, sseEvent{Type: "heartbeat", Timestamp: isoNow()})
			flusher.Flush()
			continue
		}

		for _, rec := range records {
			source := "text"
			if rec.Source != "" {
				source = "logger"
			}
			writeEvent(w, sseEvent{
				Type: "log",
				Data: map[string]any{
					"level":      rec.Level,
					"message":    rec.Message,
					"source":     rec.Source,
					"request_id": requestID,
					"timestamp":  rec.Timestamp.UnixMilli(),
					"log_source": source,
				},
				StreamKey: streamKey(requestID),
				MessageID: rec.ID,
			})
		}
		flusher.Flush()
		lastID = newLastID
	}
}

func writeEvent(w http.ResponseWriter, ev sseEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", body)
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
