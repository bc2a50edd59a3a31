package agentrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// WebhookNotifier POSTs {request_id, session_id} to a configured webhook
// URL, backing the agent's human_in_the_loop tool.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier builds a notifier with a bounded-timeout client.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{URL: url, Client: client}
}

func (w *WebhookNotifier) Notify(ctx context.Context, requestID, sessionID string) error {
	if w.URL == "" {
		return fmt.Errorf("HITL_WEBHOOK_URL is not configured")
	}

	body, err := json.Marshal(map[string]string{"request_id": requestID, "session_id": sessionID})
	if err != nil {
		return fmt.Errorf("marshal hitl payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build hitl request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("hitl webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hitl webhook returned status %d", resp.StatusCode)
	}
	return nil
}
