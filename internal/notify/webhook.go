// Package notify delivers enrollment lifecycle events to per-sequence
// webhook endpoints. Delivery is best-effort: events are sent asynchronously
// through the retrying HTTP client and dropped after its budget runs out.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/pkg/httpretry"
	"github.com/outrevo/planemail-engine/internal/pkg/logger"
)

// Event is the webhook payload.
type Event struct {
	Type         string    `json:"type"`
	SequenceID   string    `json:"sequence_id"`
	SequenceName string    `json:"sequence_name"`
	EnrollmentID string    `json:"enrollment_id"`
	SubscriberID string    `json:"subscriber_id"`
	Status       string    `json:"status"`
	ExitReason   string    `json:"exit_reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// WebhookNotifier POSTs lifecycle events to the sequence's webhook_url.
type WebhookNotifier struct {
	client  httpretry.HTTPDoer
	timeout time.Duration
	log     *logger.Logger
}

// NewWebhookNotifier creates a notifier. maxRetries is per event.
func NewWebhookNotifier(maxRetries int, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookNotifier{
		client:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, maxRetries),
		timeout: timeout,
		log:     logger.WithComponent("notify"),
	}
}

// EnrollmentEvent delivers one event in the background. The caller's context
// is not reused; delivery outlives the originating request.
func (n *WebhookNotifier) EnrollmentEvent(_ context.Context, event string, seq *domain.Sequence, e *domain.Enrollment) {
	if seq.Settings.WebhookURL == "" {
		return
	}

	payload := Event{
		Type:         event,
		SequenceID:   seq.ID,
		SequenceName: seq.Name,
		EnrollmentID: e.ID,
		SubscriberID: e.SubscriberID,
		Status:       string(e.Status),
		ExitReason:   e.ExitReason,
		OccurredAt:   time.Now().UTC(),
	}

	go n.deliver(seq.Settings.WebhookURL, payload)
}

func (n *WebhookNotifier) deliver(url string, payload Event) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("failed to encode webhook payload", "error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.log.Error("failed to build webhook request", "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "planemail-engine/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("webhook delivery failed",
			"event", payload.Type, "enrollment_id", payload.EnrollmentID, "error", err.Error())
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		n.log.Warn("webhook endpoint rejected event",
			"event", payload.Type, "enrollment_id", payload.EnrollmentID, "status", resp.Status)
	}
}
