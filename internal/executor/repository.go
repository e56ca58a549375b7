package executor

import (
	"context"

	"github.com/outrevo/planemail-engine/internal/domain"
)

// ExecutionRepository is the append-only store of step execution attempts.
type ExecutionRepository interface {
	// Create inserts an execution row. Returns ErrDuplicateExecution when
	// the partial unique index on (enrollment_id, step_id) WHERE
	// status <> 'failed' rejects it.
	Create(ctx context.Context, e *domain.StepExecution) (string, error)

	// ExistsNonFailed reports whether a non-failed execution exists for
	// the pair.
	ExistsNonFailed(ctx context.Context, enrollmentID, stepID string) (bool, error)

	// ListByEnrollment returns the enrollment's execution history,
	// oldest first.
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]domain.StepExecution, error)
}

// SubscriberRepository reads the subscriber read model.
type SubscriberRepository interface {
	// Get returns one subscriber. Returns ErrSubscriberNotFound if missing.
	Get(ctx context.Context, id string) (*domain.Subscriber, error)
}
