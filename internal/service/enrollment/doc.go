// Package enrollment implements the enrollment manager.
//
// The service owns the lifecycle of a subscriber's run through a sequence:
// entry (with the single-active-enrollment rule), progression to the next
// step after an execution, and the terminal transitions (completed, exited,
// failed). It also exposes the lease operations the scheduler's workers use
// to claim due enrollments.
//
// The duplicate-enrollment rule is enforced twice: a pre-check here for a
// friendly error, and a partial unique index at the data layer for the
// concurrent case. Repository implementations map that index violation back
// to ErrDuplicateEnrollment.
package enrollment
