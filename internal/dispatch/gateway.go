// Package dispatch is the engine's boundary to the email delivery
// pipeline. The engine never talks to an ESP directly; it enqueues a job
// envelope and records the job id. Delivery is at-least-once and
// fire-and-forget — delivery status does not feed back into enrollments.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Recipient identifies one envelope recipient.
type Recipient struct {
	Email        string `json:"email"`
	SubscriberID string `json:"subscriber_id"`
}

// EmailJob is the wire format pushed onto the delivery queue.
type EmailJob struct {
	ID          string            `json:"id"`
	Subject     string            `json:"subject"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	HTMLContent string            `json:"html_content"`
	Recipients  []Recipient       `json:"recipients"`
	ProviderID  string            `json:"provider_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// Gateway submits email jobs for delivery. Submit returns the job id the
// delivery pipeline will carry; an error means the job was NOT accepted
// and the caller should treat the failure as retryable.
type Gateway interface {
	Submit(ctx context.Context, job *EmailJob) (string, error)
}

// RedisGateway implements Gateway over a Redis list. Delivery workers
// BRPOP from the same key, so LPUSH gives FIFO ordering per queue.
type RedisGateway struct {
	client   *redis.Client
	queueKey string
	timeout  time.Duration
}

// NewRedisGateway creates a gateway that enqueues onto the given list key.
func NewRedisGateway(client *redis.Client, queueKey string, timeout time.Duration) *RedisGateway {
	if queueKey == "" {
		queueKey = "sequences:email_jobs"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RedisGateway{client: client, queueKey: queueKey, timeout: timeout}
}

// Submit validates the job envelope, assigns a job id, and pushes it onto
// the queue. The id is returned only after Redis acknowledges the push.
func (g *RedisGateway) Submit(ctx context.Context, job *EmailJob) (string, error) {
	if job == nil {
		return "", fmt.Errorf("dispatch: nil job")
	}
	if len(job.Recipients) == 0 {
		return "", fmt.Errorf("dispatch: job has no recipients")
	}
	if job.Subject == "" {
		return "", fmt.Errorf("dispatch: job has no subject")
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.EnqueuedAt = time.Now().UTC()

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("dispatch: marshal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.client.LPush(ctx, g.queueKey, payload).Err(); err != nil {
		return "", fmt.Errorf("dispatch: enqueue job: %w", err)
	}
	return job.ID, nil
}

// QueueDepth returns the number of jobs waiting in the queue. Exposed for
// the health endpoint.
func (g *RedisGateway) QueueDepth(ctx context.Context) (int64, error) {
	return g.client.LLen(ctx, g.queueKey).Result()
}
