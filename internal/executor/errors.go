package executor

import "errors"

// Sentinel errors for step execution.
var (
	// ErrDuplicateExecution means a non-failed execution already exists for
	// the (enrollment, step) pair. Repository implementations map the
	// partial unique index violation to this.
	ErrDuplicateExecution = errors.New("step already executed for enrollment")

	// ErrDispatchFailure wraps a gateway submit failure. Retryable; the
	// scheduler backs off and tries again until the retry budget runs out.
	ErrDispatchFailure = errors.New("email dispatch failed")

	// ErrInvalidStepConfiguration means a step reached the executor with a
	// config that does not match its type. The definition store rejects
	// these at save time, so seeing one here indicates drift.
	ErrInvalidStepConfiguration = errors.New("invalid step configuration")

	// ErrSubscriberNotFound means the enrollment references a subscriber
	// the read model no longer has.
	ErrSubscriberNotFound = errors.New("subscriber not found")
)
