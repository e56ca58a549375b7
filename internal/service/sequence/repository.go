package sequence

import (
	"context"

	"github.com/outrevo/planemail-engine/internal/domain"
)

// Repository defines the data access contract for sequence definitions.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single sequence scoped to an organization.
	// Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, orgID, id string) (*domain.Sequence, error)

	// GetByID returns a sequence without org scoping. Internal callers
	// (enrollment manager, scheduler) use this.
	GetByID(ctx context.Context, id string) (*domain.Sequence, error)

	// List returns sequences matching the filter, ordered by created_at DESC.
	List(ctx context.Context, orgID string, filter ListFilter) ([]domain.Sequence, int, error)

	// Create inserts a new sequence and returns its ID.
	Create(ctx context.Context, s *domain.Sequence) (string, error)

	// Update modifies mutable fields. Only non-nil fields are applied.
	Update(ctx context.Context, orgID, id string, u UpdateFields) error

	// UpdateStatus transitions a sequence's status.
	UpdateStatus(ctx context.Context, orgID, id string, status domain.SequenceStatus) error

	// CountActiveEnrollments returns the number of active enrollments
	// referencing the sequence.
	CountActiveEnrollments(ctx context.Context, sequenceID string) (int, error)

	// CountEnrollmentsOnStep returns the number of active enrollments
	// whose current step is the given step.
	CountEnrollmentsOnStep(ctx context.Context, stepID string) (int, error)

	// GetStep returns one step. Returns ErrStepNotFound if missing.
	GetStep(ctx context.Context, stepID string) (*domain.Step, error)

	// ListSteps returns the sequence's steps ordered by step_order ASC.
	ListSteps(ctx context.Context, sequenceID string) ([]domain.Step, error)

	// SaveStep inserts or updates a step and returns its ID.
	SaveStep(ctx context.Context, step *domain.Step) (string, error)

	// DeleteStep removes a step.
	DeleteStep(ctx context.Context, stepID string) error
}

// ListFilter controls pagination and filtering for sequence lists.
type ListFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}

// UpdateFields holds the mutable fields for a sequence update.
// Nil fields are not applied.
type UpdateFields struct {
	Name          *string
	TriggerType   *domain.TriggerType
	TriggerConfig *[]byte
	Settings      *domain.SequenceSettings
}
