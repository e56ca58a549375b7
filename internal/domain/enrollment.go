package domain

import "time"

// EnrollmentStatus enumerates the states of a subscriber's run through a
// sequence.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentExited    EnrollmentStatus = "exited"
	EnrollmentFailed    EnrollmentStatus = "failed"
)

// Enrollment is one subscriber's run through one sequence. At most one
// active enrollment exists per (sequence, subscriber) pair unless the
// sequence allows re-entry.
type Enrollment struct {
	ID            string           `json:"id" db:"id"`
	SequenceID    string           `json:"sequence_id" db:"sequence_id"`
	SubscriberID  string           `json:"subscriber_id" db:"subscriber_id"`
	Status        EnrollmentStatus `json:"status" db:"status"`
	CurrentStepID *string          `json:"current_step_id" db:"current_step_id"`

	// Attempts counts execution attempts for the current step; reset to
	// zero when the enrollment advances.
	Attempts int `json:"attempts" db:"attempts"`

	// Lease fields. A worker that claims an enrollment writes its id and
	// a deadline; the claim is void once the deadline passes.
	ClaimedBy    *string    `json:"-" db:"claimed_by"`
	ClaimedUntil *time.Time `json:"-" db:"claimed_until"`

	// NextRunAt gates when the scheduler may pick this enrollment up.
	// Nil means due immediately.
	NextRunAt  *time.Time `json:"next_run_at" db:"next_run_at"`
	ExitReason string     `json:"exit_reason,omitempty" db:"exit_reason"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}

// IsTerminal returns true once the enrollment can never execute again.
func (e *Enrollment) IsTerminal() bool {
	return e.Status == EnrollmentCompleted ||
		e.Status == EnrollmentExited ||
		e.Status == EnrollmentFailed
}

// ExecutionStatus enumerates the states of one step execution attempt.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSent    ExecutionStatus = "sent"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// StepExecution records one attempt to run one step for one enrollment.
// History is append-only; at most one non-failed execution may exist per
// (enrollment, step) pair.
type StepExecution struct {
	ID           string          `json:"id" db:"id"`
	EnrollmentID string          `json:"enrollment_id" db:"enrollment_id"`
	StepID       string          `json:"step_id" db:"step_id"`
	Status       ExecutionStatus `json:"status" db:"status"`

	// EmailJobID is a weak reference to the dispatched email job. The
	// engine records it but does not own the job's lifecycle.
	EmailJobID  *string    `json:"email_job_id" db:"email_job_id"`
	ErrorReason string     `json:"error_reason,omitempty" db:"error_reason"`
	ScheduledAt *time.Time `json:"scheduled_at" db:"scheduled_at"`
	ExecutedAt  *time.Time `json:"executed_at" db:"executed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// EnrollmentTrigger is the external input that requests an enrollment.
type EnrollmentTrigger struct {
	SequenceID     string         `json:"sequence_id"`
	SubscriberID   string         `json:"subscriber_id"`
	TriggerContext map[string]any `json:"trigger_context,omitempty"`
}
