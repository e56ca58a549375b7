package sequence

import "errors"

// Sentinel errors for the sequence definition store.
var (
	ErrNotFound          = errors.New("sequence not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidStepConfiguration means a step's config does not match its
	// type or is missing required fields (e.g. an email step without a
	// subject). Enforced at save time so the executor never sees it.
	ErrInvalidStepConfiguration = errors.New("invalid step configuration")

	// ErrArchiveWithActiveEnrollments means the sequence still has active
	// enrollments referencing its steps; archiving would orphan them.
	ErrArchiveWithActiveEnrollments = errors.New("sequence has active enrollments")

	// ErrStepInUse means an enrollment currently points at the step.
	ErrStepInUse = errors.New("step is referenced by active enrollments")

	// ErrNoSteps means the sequence cannot be activated without at least
	// one active step.
	ErrNoSteps = errors.New("sequence has no active steps")
)
