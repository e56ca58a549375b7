package domain

import "time"

// SubscriberStatus enumerates the states a subscriber can be in.
type SubscriberStatus string

const (
	SubscriberConfirmed    SubscriberStatus = "confirmed"
	SubscriberUnconfirmed  SubscriberStatus = "unconfirmed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
)

// Subscriber is the engine's read model of a recipient. The wider platform
// owns the subscriber lifecycle; the engine reads it for personalization
// and condition evaluation, and watches Status for mid-sequence exits.
type Subscriber struct {
	ID             string           `json:"id" db:"id"`
	OrganizationID string           `json:"organization_id" db:"organization_id"`
	Email          string           `json:"email" db:"email"`
	FirstName      string           `json:"first_name" db:"first_name"`
	LastName       string           `json:"last_name" db:"last_name"`
	Status         SubscriberStatus `json:"status" db:"status"`
	CustomFields   map[string]any   `json:"custom_fields" db:"custom_fields"`

	EngagementScore float64    `json:"engagement_score" db:"engagement_score"`
	TotalOpens      int        `json:"total_opens" db:"total_opens"`
	TotalClicks     int        `json:"total_clicks" db:"total_clicks"`
	LastOpenAt      *time.Time `json:"last_open_at" db:"last_open_at"`
	LastClickAt     *time.Time `json:"last_click_at" db:"last_click_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CanReceiveEmail reports whether the subscriber may still be mailed.
func (s *Subscriber) CanReceiveEmail() bool {
	return s.Status == SubscriberConfirmed || s.Status == SubscriberUnconfirmed
}
