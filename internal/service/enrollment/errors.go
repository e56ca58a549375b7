package enrollment

import "errors"

// Sentinel errors for the enrollment manager.
var (
	ErrNotFound = errors.New("enrollment not found")

	// ErrDuplicateEnrollment means the subscriber already has an active
	// enrollment in the sequence.
	ErrDuplicateEnrollment = errors.New("subscriber already enrolled")

	// ErrSequenceNotActive means the target sequence is not accepting
	// enrollments (draft, paused, or archived).
	ErrSequenceNotActive = errors.New("sequence is not active")

	// ErrAlreadyTerminal means a lifecycle transition was requested on an
	// enrollment that already reached a terminal state.
	ErrAlreadyTerminal = errors.New("enrollment is already terminal")

	// ErrLeaseConflict means another worker holds the enrollment's lease.
	// This is a normal signal under concurrency, not a failure.
	ErrLeaseConflict = errors.New("enrollment is claimed by another worker")

	// ErrReentryDisabled means the subscriber has a prior terminal
	// enrollment and the sequence does not allow re-entry.
	ErrReentryDisabled = errors.New("sequence does not allow re-entry")
)
