package sequence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/personalize"
)

var validate = validator.New()

// Service implements the sequence definition store. Every invariant the
// engine relies on at execution time (config completeness, branch targets,
// referential safety) is enforced here, on the write path.
type Service struct {
	repo      Repository
	templates *personalize.TemplateService
}

// NewService creates a definition store backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, templates: personalize.NewTemplateService()}
}

// Get returns a single sequence.
func (s *Service) Get(ctx context.Context, orgID, id string) (*domain.Sequence, error) {
	return s.repo.Get(ctx, orgID, id)
}

// List returns sequences matching the filter.
func (s *Service) List(ctx context.Context, orgID string, f ListFilter) ([]domain.Sequence, int, error) {
	return s.repo.List(ctx, orgID, f)
}

// CreateInput holds the fields for creating a new sequence.
type CreateInput struct {
	Name          string                  `json:"name"`
	TriggerType   domain.TriggerType      `json:"trigger_type"`
	TriggerConfig json.RawMessage         `json:"trigger_config"`
	Settings      domain.SequenceSettings `json:"settings"`
}

// Create validates and persists a new sequence in draft status.
func (s *Service) Create(ctx context.Context, orgID string, input CreateInput) (*domain.Sequence, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if input.TriggerType == "" {
		input.TriggerType = domain.TriggerManual
	}

	seq := &domain.Sequence{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Name:           input.Name,
		Status:         domain.SequenceDraft,
		TriggerType:    input.TriggerType,
		TriggerConfig:  input.TriggerConfig,
		Settings:       input.Settings,
	}

	id, err := s.repo.Create(ctx, seq)
	if err != nil {
		return nil, err
	}
	seq.ID = id
	return seq, nil
}

// Update modifies mutable sequence fields.
func (s *Service) Update(ctx context.Context, orgID, id string, u UpdateFields) error {
	return s.repo.Update(ctx, orgID, id, u)
}

// SetStatus transitions a sequence between draft/active/paused. Archiving
// goes through Archive, which carries the referential check.
func (s *Service) SetStatus(ctx context.Context, orgID, id string, target domain.SequenceStatus) error {
	seq, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if target == domain.SequenceArchived {
		return s.Archive(ctx, orgID, id)
	}
	if !seq.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, seq.Status, target)
	}

	// A sequence with nothing to execute must not go live
	if target == domain.SequenceActive {
		steps, err := s.repo.ListSteps(ctx, id)
		if err != nil {
			return err
		}
		if countActive(steps) == 0 {
			return ErrNoSteps
		}
	}

	return s.repo.UpdateStatus(ctx, orgID, id, target)
}

// Archive soft-deletes a sequence. Refused while active enrollments still
// reference its steps; terminal enrollments keep their history.
func (s *Service) Archive(ctx context.Context, orgID, id string) error {
	seq, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if !seq.CanTransitionTo(domain.SequenceArchived) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, seq.Status, domain.SequenceArchived)
	}

	n, err := s.repo.CountActiveEnrollments(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d active", ErrArchiveWithActiveEnrollments, n)
	}

	return s.repo.UpdateStatus(ctx, orgID, id, domain.SequenceArchived)
}

// ListSteps returns the sequence's steps in execution order.
func (s *Service) ListSteps(ctx context.Context, orgID, sequenceID string) ([]domain.Step, error) {
	if _, err := s.repo.Get(ctx, orgID, sequenceID); err != nil {
		return nil, err
	}
	return s.repo.ListSteps(ctx, sequenceID)
}

// SaveStep validates and persists a step (insert or update). This is the
// write-time gate: a step that passes here is guaranteed executable.
func (s *Service) SaveStep(ctx context.Context, orgID string, step *domain.Step) (*domain.Step, error) {
	if _, err := s.repo.Get(ctx, orgID, step.SequenceID); err != nil {
		return nil, err
	}

	if err := s.ValidateStep(ctx, step); err != nil {
		return nil, err
	}

	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	id, err := s.repo.SaveStep(ctx, step)
	if err != nil {
		return nil, err
	}
	step.ID = id
	return step, nil
}

// DeleteStep removes a step unless an active enrollment points at it.
func (s *Service) DeleteStep(ctx context.Context, orgID, stepID string) error {
	step, err := s.repo.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, orgID, step.SequenceID); err != nil {
		return err
	}

	n, err := s.repo.CountEnrollmentsOnStep(ctx, stepID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d active", ErrStepInUse, n)
	}
	return s.repo.DeleteStep(ctx, stepID)
}

// ValidateStep checks that a step's configuration matches its type and is
// complete enough to execute. Email steps must carry a subject and content;
// condition branch targets must reference steps of the same sequence.
func (s *Service) ValidateStep(ctx context.Context, step *domain.Step) error {
	switch step.Type {
	case domain.StepEmail:
		if step.Config.Email == nil {
			return fmt.Errorf("%w: email step requires emailConfig", ErrInvalidStepConfiguration)
		}
		if err := validate.Struct(step.Config.Email); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStepConfiguration, err)
		}
		// Malformed merge tags surface here, at authoring time, not at send.
		if err := s.templates.Parse(step.Config.Email.Subject); err != nil {
			return fmt.Errorf("%w: subject template: %v", ErrInvalidStepConfiguration, err)
		}
		if err := s.templates.Parse(step.Config.Email.Content); err != nil {
			return fmt.Errorf("%w: content template: %v", ErrInvalidStepConfiguration, err)
		}

	case domain.StepDelay:
		if step.Config.Delay == nil {
			return fmt.Errorf("%w: delay step requires delayConfig", ErrInvalidStepConfiguration)
		}
		if err := validate.Struct(step.Config.Delay); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStepConfiguration, err)
		}

	case domain.StepCondition:
		if step.Config.Condition == nil {
			return fmt.Errorf("%w: condition step requires conditionConfig", ErrInvalidStepConfiguration)
		}
		if err := validate.Struct(step.Config.Condition); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStepConfiguration, err)
		}
		if err := s.validateBranchTargets(ctx, step); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: unknown step type %q", ErrInvalidStepConfiguration, step.Type)
	}

	return nil
}

func (s *Service) validateBranchTargets(ctx context.Context, step *domain.Step) error {
	cond := step.Config.Condition
	if cond.OnTrue == nil && cond.OnFalse == nil {
		return nil
	}

	steps, err := s.repo.ListSteps(ctx, step.SequenceID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(steps))
	for _, st := range steps {
		known[st.ID] = true
	}

	for _, target := range []*string{cond.OnTrue, cond.OnFalse} {
		if target == nil {
			continue
		}
		if !known[*target] {
			return fmt.Errorf("%w: branch target %s is not a step of this sequence",
				ErrInvalidStepConfiguration, *target)
		}
		if *target == step.ID {
			return fmt.Errorf("%w: branch target cannot be the condition step itself",
				ErrInvalidStepConfiguration)
		}
	}
	return nil
}

// GetByID returns a sequence without org scoping (internal callers only).
func (s *Service) GetByID(ctx context.Context, id string) (*domain.Sequence, error) {
	return s.repo.GetByID(ctx, id)
}

// FirstStep returns the first active step of a sequence by order.
// Returns ErrNoSteps if the sequence has none.
func (s *Service) FirstStep(ctx context.Context, sequenceID string) (*domain.Step, error) {
	steps, err := s.repo.ListSteps(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].IsActive {
			return &steps[i], nil
		}
	}
	return nil, ErrNoSteps
}

// NextStep returns the next active step after the given order, or nil when
// the sequence is exhausted.
func (s *Service) NextStep(ctx context.Context, sequenceID string, afterOrder int) (*domain.Step, error) {
	steps, err := s.repo.ListSteps(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].IsActive && steps[i].StepOrder > afterOrder {
			return &steps[i], nil
		}
	}
	return nil, nil
}

// GetStep returns one step by id.
func (s *Service) GetStep(ctx context.Context, stepID string) (*domain.Step, error) {
	return s.repo.GetStep(ctx, stepID)
}

func countActive(steps []domain.Step) int {
	n := 0
	for _, st := range steps {
		if st.IsActive {
			n++
		}
	}
	return n
}
