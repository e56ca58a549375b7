package domain

import (
	"encoding/json"
	"time"
)

// SequenceStatus enumerates the lifecycle states of a sequence.
type SequenceStatus string

const (
	SequenceDraft    SequenceStatus = "draft"
	SequenceActive   SequenceStatus = "active"
	SequencePaused   SequenceStatus = "paused"
	SequenceArchived SequenceStatus = "archived"
)

// TriggerType enumerates the events that can enroll a subscriber.
type TriggerType string

const (
	TriggerSegmentJoined TriggerType = "segment_joined"
	TriggerListSignup    TriggerType = "list_signup"
	TriggerWebhook       TriggerType = "webhook"
	TriggerManual        TriggerType = "manual"
)

// FailurePolicy decides what happens to an enrollment once a step has
// exhausted its retry budget.
type FailurePolicy string

const (
	// FailureExit drops the subscriber from the sequence (status "exited").
	FailureExit FailurePolicy = "exit"
	// FailureFail marks the enrollment "failed" for operator attention.
	FailureFail FailurePolicy = "fail"
)

// SequenceSettings holds per-sequence behavior knobs. Stored as JSONB on the
// sequences row.
type SequenceSettings struct {
	// AllowReentry permits a subscriber to be enrolled again after a
	// previous enrollment reached a terminal state.
	AllowReentry bool `json:"allow_reentry"`

	// MaxRetries is the retry budget per step execution. Zero means use
	// the engine default.
	MaxRetries int `json:"max_retries,omitempty"`

	// OnFailure selects the terminal state after retries are exhausted.
	// Empty means FailureExit.
	OnFailure FailurePolicy `json:"on_failure,omitempty"`

	// QuietHoursStart/End define a UTC window (hours, 0-23) during which
	// email steps are deferred. Equal values disable quiet hours.
	QuietHoursStart int `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   int `json:"quiet_hours_end,omitempty"`

	// WebhookURL, when set, receives enrollment lifecycle events.
	WebhookURL string `json:"webhook_url,omitempty"`
}

// RetryBudget returns the effective retry budget given the engine default.
func (s SequenceSettings) RetryBudget(engineDefault int) int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return engineDefault
}

// Policy returns the effective failure policy.
func (s SequenceSettings) Policy() FailurePolicy {
	if s.OnFailure == FailureFail {
		return FailureFail
	}
	return FailureExit
}

// QuietHoursEnabled reports whether a quiet window is configured.
func (s SequenceSettings) QuietHoursEnabled() bool {
	return s.QuietHoursStart != s.QuietHoursEnd
}

// InQuietHours reports whether t (UTC) falls inside the quiet window.
// The window may wrap midnight (e.g. 22 → 6).
func (s SequenceSettings) InQuietHours(t time.Time) bool {
	if !s.QuietHoursEnabled() {
		return false
	}
	h := t.UTC().Hour()
	start, end := s.QuietHoursStart, s.QuietHoursEnd
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// Sequence is an ordered drip workflow a subscriber can be enrolled into.
type Sequence struct {
	ID             string           `json:"id" db:"id"`
	OrganizationID string           `json:"organization_id" db:"organization_id"`
	Name           string           `json:"name" db:"name"`
	Status         SequenceStatus   `json:"status" db:"status"`
	TriggerType    TriggerType      `json:"trigger_type" db:"trigger_type"`
	TriggerConfig  json.RawMessage  `json:"trigger_config" db:"trigger_config"`
	Settings       SequenceSettings `json:"settings" db:"settings"`

	// Stats (aggregate counters, maintained by the enrollment manager)
	TotalEntered   int `json:"total_entered" db:"total_entered"`
	TotalCompleted int `json:"total_completed" db:"total_completed"`
	TotalExited    int `json:"total_exited" db:"total_exited"`
	TotalFailed    int `json:"total_failed" db:"total_failed"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the sequence can no longer enroll or execute.
func (s *Sequence) IsTerminal() bool {
	return s.Status == SequenceArchived
}

// CanTransitionTo reports whether moving to the target status is allowed.
func (s *Sequence) CanTransitionTo(target SequenceStatus) bool {
	switch s.Status {
	case SequenceDraft:
		return target == SequenceActive || target == SequenceArchived
	case SequenceActive:
		return target == SequencePaused || target == SequenceArchived
	case SequencePaused:
		return target == SequenceActive || target == SequenceArchived
	default:
		return false
	}
}
