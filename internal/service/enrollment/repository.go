package enrollment

import (
	"context"
	"time"

	"github.com/outrevo/planemail-engine/internal/domain"
)

// Repository defines data access for enrollments. Implementations must be
// safe for concurrent use; the lease operations are the engine's concurrency
// primitive and must be atomic.
type Repository interface {
	// Get returns one enrollment. Returns ErrNotFound if missing.
	Get(ctx context.Context, id string) (*domain.Enrollment, error)

	// List returns enrollments matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]domain.Enrollment, int, error)

	// Create inserts a new enrollment. Returns ErrDuplicateEnrollment when
	// the partial unique index on (sequence_id, subscriber_id) WHERE
	// status = 'active' rejects the row.
	Create(ctx context.Context, e *domain.Enrollment) (string, error)

	// ActiveExists reports whether the pair already has an active enrollment.
	ActiveExists(ctx context.Context, sequenceID, subscriberID string) (bool, error)

	// TerminalExists reports whether the pair has any terminal enrollment.
	// Used for the re-entry check.
	TerminalExists(ctx context.Context, sequenceID, subscriberID string) (bool, error)

	// ClaimDue atomically claims up to limit due enrollments for workerID
	// with the given lease duration, and returns them. An enrollment is due
	// when it is active, next_run_at is null or past, and any previous
	// lease has expired. Implementations use FOR UPDATE SKIP LOCKED so
	// competing workers never block each other.
	ClaimDue(ctx context.Context, workerID string, limit int, lease time.Duration) ([]domain.Enrollment, error)

	// TryClaim claims a single enrollment. Returns ErrLeaseConflict when
	// another worker holds an unexpired lease, and ErrAlreadyTerminal when
	// the enrollment is no longer active.
	TryClaim(ctx context.Context, id, workerID string, lease time.Duration) (*domain.Enrollment, error)

	// Release drops workerID's lease, optionally scheduling the next run.
	// A lease held by someone else is left alone.
	Release(ctx context.Context, id, workerID string, nextRunAt *time.Time) error

	// Advance moves an active enrollment to the given step, resets the
	// attempt counter, drops the lease, and sets next_run_at. Returns
	// ErrAlreadyTerminal if the enrollment exited concurrently, in which
	// case the advance is discarded.
	Advance(ctx context.Context, id, workerID string, stepID string, nextRunAt time.Time) error

	// IncrementAttempts bumps the per-step attempt counter and reschedules.
	IncrementAttempts(ctx context.Context, id string, nextRunAt time.Time) error

	// SetTerminal moves an active enrollment to a terminal status. The
	// transition also releases any lease. Returns ErrAlreadyTerminal if a
	// concurrent transition won.
	SetTerminal(ctx context.Context, id string, status domain.EnrollmentStatus, reason string) error

	// ReclaimExpired clears leases whose deadline passed, making the
	// enrollments claimable again. Returns the number reclaimed.
	ReclaimExpired(ctx context.Context) (int, error)

	// IncrementSequenceStat bumps one of the sequence aggregate counters
	// (total_entered, total_completed, total_exited, total_failed).
	IncrementSequenceStat(ctx context.Context, sequenceID, column string) error
}

// ListFilter controls enrollment listing.
type ListFilter struct {
	SequenceID   string
	SubscriberID string
	Status       string
	Limit        int
	Offset       int
}
