package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/pkg/logger"
)

// SequenceStore is the slice of the definition store the enrollment manager
// needs: unscoped lookups and step navigation.
type SequenceStore interface {
	GetByID(ctx context.Context, id string) (*domain.Sequence, error)
	GetStep(ctx context.Context, stepID string) (*domain.Step, error)
	FirstStep(ctx context.Context, sequenceID string) (*domain.Step, error)
	NextStep(ctx context.Context, sequenceID string, afterOrder int) (*domain.Step, error)
}

// Notifier receives enrollment lifecycle events. The webhook notifier
// implements it; a nil notifier disables events.
type Notifier interface {
	EnrollmentEvent(ctx context.Context, event string, seq *domain.Sequence, e *domain.Enrollment)
}

// Service implements the enrollment manager.
type Service struct {
	repo     Repository
	store    SequenceStore
	notifier Notifier
	log      *logger.Logger
}

// NewService creates an enrollment manager. notifier may be nil.
func NewService(repo Repository, store SequenceStore, notifier Notifier) *Service {
	return &Service{
		repo:     repo,
		store:    store,
		notifier: notifier,
		log:      logger.WithComponent("enrollment"),
	}
}

// Get returns one enrollment.
func (s *Service) Get(ctx context.Context, id string) (*domain.Enrollment, error) {
	return s.repo.Get(ctx, id)
}

// List returns enrollments matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Enrollment, int, error) {
	return s.repo.List(ctx, f)
}

// Enroll enters a subscriber into a sequence at its first step. The sequence
// must be active; at most one active enrollment may exist per pair; a prior
// terminal enrollment blocks re-entry unless the sequence allows it.
func (s *Service) Enroll(ctx context.Context, trigger domain.EnrollmentTrigger) (*domain.Enrollment, error) {
	seq, err := s.store.GetByID(ctx, trigger.SequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != domain.SequenceActive {
		return nil, fmt.Errorf("%w: %s", ErrSequenceNotActive, seq.Status)
	}

	active, err := s.repo.ActiveExists(ctx, trigger.SequenceID, trigger.SubscriberID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrDuplicateEnrollment
	}

	if !seq.Settings.AllowReentry {
		terminal, err := s.repo.TerminalExists(ctx, trigger.SequenceID, trigger.SubscriberID)
		if err != nil {
			return nil, err
		}
		if terminal {
			return nil, ErrReentryDisabled
		}
	}

	first, err := s.store.FirstStep(ctx, trigger.SequenceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &domain.Enrollment{
		ID:            uuid.New().String(),
		SequenceID:    trigger.SequenceID,
		SubscriberID:  trigger.SubscriberID,
		Status:        domain.EnrollmentActive,
		CurrentStepID: &first.ID,
		NextRunAt:     &now,
	}

	// The partial unique index is the authority under concurrency; the
	// ActiveExists pre-check above only gives a cleaner error path.
	id, err := s.repo.Create(ctx, e)
	if err != nil {
		return nil, err
	}
	e.ID = id

	if err := s.repo.IncrementSequenceStat(ctx, seq.ID, "total_entered"); err != nil {
		s.log.Warn("failed to bump total_entered", "sequence_id", seq.ID, "error", err.Error())
	}
	s.notify(ctx, "enrollment.started", seq, e)
	return e, nil
}

// Advance moves a claimed enrollment past the given step. Branch target (for
// condition steps) takes precedence over linear order; a nil target and no
// further step completes the enrollment. The caller must hold the lease.
func (s *Service) Advance(ctx context.Context, e *domain.Enrollment, workerID string, from *domain.Step, branchTarget *string, nextRunAt time.Time) error {
	var next *domain.Step
	var err error

	if branchTarget != nil {
		next, err = s.store.GetStep(ctx, *branchTarget)
	} else {
		next, err = s.store.NextStep(ctx, e.SequenceID, from.StepOrder)
	}
	if err != nil {
		return err
	}

	if next == nil {
		return s.Complete(ctx, e.ID)
	}
	return s.repo.Advance(ctx, e.ID, workerID, next.ID, nextRunAt)
}

// Complete marks an enrollment completed.
func (s *Service) Complete(ctx context.Context, id string) error {
	return s.terminal(ctx, id, domain.EnrollmentCompleted, "", "total_completed", "enrollment.completed")
}

// Exit drops an enrollment from its sequence with a reason.
func (s *Service) Exit(ctx context.Context, id, reason string) error {
	return s.terminal(ctx, id, domain.EnrollmentExited, reason, "total_exited", "enrollment.exited")
}

// Fail marks an enrollment failed for operator attention.
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	return s.terminal(ctx, id, domain.EnrollmentFailed, reason, "total_failed", "enrollment.failed")
}

func (s *Service) terminal(ctx context.Context, id string, status domain.EnrollmentStatus, reason, statColumn, event string) error {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.IsTerminal() {
		return ErrAlreadyTerminal
	}

	if err := s.repo.SetTerminal(ctx, id, status, reason); err != nil {
		return err
	}
	e.Status = status
	e.ExitReason = reason

	if err := s.repo.IncrementSequenceStat(ctx, e.SequenceID, statColumn); err != nil {
		s.log.Warn("failed to bump sequence stat", "sequence_id", e.SequenceID, "column", statColumn, "error", err.Error())
	}

	if s.notifier != nil {
		seq, err := s.store.GetByID(ctx, e.SequenceID)
		if err == nil {
			s.notify(ctx, event, seq, e)
		}
	}
	return nil
}

// ClaimDue claims a batch of due enrollments for a worker.
func (s *Service) ClaimDue(ctx context.Context, workerID string, limit int, lease time.Duration) ([]domain.Enrollment, error) {
	return s.repo.ClaimDue(ctx, workerID, limit, lease)
}

// TryClaim takes the lease on a single enrollment, for continuing past an
// immediately due step without waiting for the next poll.
func (s *Service) TryClaim(ctx context.Context, id, workerID string, lease time.Duration) (*domain.Enrollment, error) {
	return s.repo.TryClaim(ctx, id, workerID, lease)
}

// Release drops a worker's lease without advancing.
func (s *Service) Release(ctx context.Context, id, workerID string, nextRunAt *time.Time) error {
	return s.repo.Release(ctx, id, workerID, nextRunAt)
}

// RecordRetry bumps the attempt counter and schedules the next try.
func (s *Service) RecordRetry(ctx context.Context, id string, nextRunAt time.Time) error {
	return s.repo.IncrementAttempts(ctx, id, nextRunAt)
}

// ReclaimExpired frees leases from crashed or stalled workers.
func (s *Service) ReclaimExpired(ctx context.Context) (int, error) {
	return s.repo.ReclaimExpired(ctx)
}

func (s *Service) notify(ctx context.Context, event string, seq *domain.Sequence, e *domain.Enrollment) {
	if s.notifier == nil || seq.Settings.WebhookURL == "" {
		return
	}
	s.notifier.EnrollmentEvent(ctx, event, seq, e)
}
