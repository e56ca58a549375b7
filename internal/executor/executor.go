package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/outrevo/planemail-engine/internal/dispatch"
	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/personalize"
	"github.com/outrevo/planemail-engine/internal/pkg/logger"
)

// Outcome tells the scheduler worker what to do with the enrollment after
// a step execution.
type Outcome int

const (
	// OutcomeAdvance moves the enrollment to the next step (or to
	// completion if there is none).
	OutcomeAdvance Outcome = iota
	// OutcomeRetry releases the lease and schedules another attempt;
	// Result.Err carries the cause.
	OutcomeRetry
	// OutcomeDefer releases the lease without counting an attempt. Used
	// for quiet-hours deferral.
	OutcomeDefer
	// OutcomeExit drops the subscriber from the sequence (e.g. the
	// subscriber unsubscribed mid-sequence).
	OutcomeExit
)

// Result is the executor's verdict on one attempt.
type Result struct {
	Outcome Outcome

	// NextRunAt gates the enrollment's next pickup. For OutcomeAdvance it
	// is when the next step becomes due (delay steps push it out); for
	// OutcomeRetry/OutcomeDefer it is the next attempt time.
	NextRunAt time.Time

	// BranchTarget, when set, names the step id to advance to instead of
	// the next step_order. Condition steps populate it.
	BranchTarget *string

	// ExitReason accompanies OutcomeExit.
	ExitReason string

	// Err carries the retryable cause for OutcomeRetry.
	Err error
}

// Executor runs a single step against a single enrollment. Stateless; safe
// for concurrent use by many workers.
type Executor struct {
	executions  ExecutionRepository
	subscribers SubscriberRepository
	gateway     dispatch.Gateway
	templates   *personalize.TemplateService
	log         *logger.Logger
}

// New creates a step executor.
func New(executions ExecutionRepository, subscribers SubscriberRepository, gateway dispatch.Gateway, templates *personalize.TemplateService) *Executor {
	return &Executor{
		executions:  executions,
		subscribers: subscribers,
		gateway:     gateway,
		templates:   templates,
		log:         logger.WithComponent("executor"),
	}
}

// Execute runs the enrollment's current step. The caller must hold the
// enrollment's lease; Execute itself writes only execution history.
func (x *Executor) Execute(ctx context.Context, seq *domain.Sequence, step *domain.Step, e *domain.Enrollment) (*Result, error) {
	now := time.Now().UTC()

	switch step.Type {
	case domain.StepEmail:
		return x.executeEmail(ctx, seq, step, e, now)
	case domain.StepDelay:
		return x.executeDelay(ctx, step, e, now)
	case domain.StepCondition:
		return x.executeCondition(ctx, step, e, now)
	default:
		return nil, fmt.Errorf("%w: unknown step type %q", ErrInvalidStepConfiguration, step.Type)
	}
}

func (x *Executor) executeEmail(ctx context.Context, seq *domain.Sequence, step *domain.Step, e *domain.Enrollment, now time.Time) (*Result, error) {
	cfg := step.Config.Email
	if cfg == nil {
		return nil, fmt.Errorf("%w: email step %s has no email config", ErrInvalidStepConfiguration, step.ID)
	}

	// Idempotence gate. A retry after a crash between dispatch and advance
	// must not send the email twice.
	done, err := x.executions.ExistsNonFailed(ctx, e.ID, step.ID)
	if err != nil {
		return nil, err
	}
	if done {
		x.log.Info("step already executed, advancing",
			"enrollment_id", e.ID, "step_id", step.ID)
		return &Result{Outcome: OutcomeAdvance, NextRunAt: now}, nil
	}

	if seq.Settings.InQuietHours(now) {
		return &Result{Outcome: OutcomeDefer, NextRunAt: quietHoursEnd(seq.Settings, now)}, nil
	}

	sub, err := x.subscribers.Get(ctx, e.SubscriberID)
	if err != nil {
		return nil, err
	}
	if !sub.CanReceiveEmail() {
		return &Result{
			Outcome:    OutcomeExit,
			ExitReason: fmt.Sprintf("subscriber status %s", sub.Status),
		}, nil
	}

	rc := personalize.BuildContext(sub, e, step)
	subject, _ := x.templates.Render(cacheKey(step, "subject"), cfg.Subject, rc)
	content, _ := x.templates.Render(cacheKey(step, "content"), cfg.Content, rc)

	job := &dispatch.EmailJob{
		Subject:     subject,
		FromName:    cfg.FromName,
		FromEmail:   cfg.FromEmail,
		HTMLContent: content,
		ProviderID:  cfg.ProviderID,
		Recipients: []dispatch.Recipient{
			{Email: sub.Email, SubscriberID: sub.ID},
		},
		Metadata: map[string]string{
			"sequence_id":   e.SequenceID,
			"enrollment_id": e.ID,
			"step_id":       step.ID,
		},
	}

	jobID, err := x.gateway.Submit(ctx, job)
	if err != nil {
		cause := fmt.Errorf("%w: %v", ErrDispatchFailure, err)
		x.recordFailed(ctx, e.ID, step.ID, cause.Error(), now)
		return &Result{Outcome: OutcomeRetry, Err: cause}, nil
	}

	_, err = x.executions.Create(ctx, &domain.StepExecution{
		EnrollmentID: e.ID,
		StepID:       step.ID,
		Status:       domain.ExecutionSent,
		EmailJobID:   &jobID,
		ExecutedAt:   &now,
	})
	if errors.Is(err, ErrDuplicateExecution) {
		// Lost a race with another attempt that already sent; the email
		// went out once either way.
		return &Result{Outcome: OutcomeAdvance, NextRunAt: now}, nil
	}
	if err != nil {
		return nil, err
	}

	return &Result{Outcome: OutcomeAdvance, NextRunAt: now}, nil
}

func (x *Executor) executeDelay(ctx context.Context, step *domain.Step, e *domain.Enrollment, now time.Time) (*Result, error) {
	cfg := step.Config.Delay
	if cfg == nil {
		return nil, fmt.Errorf("%w: delay step %s has no delay config", ErrInvalidStepConfiguration, step.ID)
	}

	done, err := x.executions.ExistsNonFailed(ctx, e.ID, step.ID)
	if err != nil {
		return nil, err
	}
	if done {
		return &Result{Outcome: OutcomeAdvance, NextRunAt: now}, nil
	}

	due := now.Add(cfg.Duration())
	_, err = x.executions.Create(ctx, &domain.StepExecution{
		EnrollmentID: e.ID,
		StepID:       step.ID,
		Status:       domain.ExecutionPending,
		ScheduledAt:  &due,
	})
	if errors.Is(err, ErrDuplicateExecution) {
		return &Result{Outcome: OutcomeAdvance, NextRunAt: now}, nil
	}
	if err != nil {
		return nil, err
	}

	// The enrollment advances now; the delay lives in next_run_at.
	return &Result{Outcome: OutcomeAdvance, NextRunAt: due}, nil
}

func (x *Executor) executeCondition(ctx context.Context, step *domain.Step, e *domain.Enrollment, now time.Time) (*Result, error) {
	cfg := step.Config.Condition
	if cfg == nil {
		return nil, fmt.Errorf("%w: condition step %s has no condition config", ErrInvalidStepConfiguration, step.ID)
	}

	done, err := x.executions.ExistsNonFailed(ctx, e.ID, step.ID)
	if err != nil {
		return nil, err
	}
	if done {
		return &Result{Outcome: OutcomeAdvance, NextRunAt: now}, nil
	}

	sub, err := x.subscribers.Get(ctx, e.SubscriberID)
	if err != nil {
		return nil, err
	}

	verdict := evaluate(cfg, sub)
	_, err = x.executions.Create(ctx, &domain.StepExecution{
		EnrollmentID: e.ID,
		StepID:       step.ID,
		Status:       domain.ExecutionSkipped,
		ExecutedAt:   &now,
	})
	if err != nil && !errors.Is(err, ErrDuplicateExecution) {
		return nil, err
	}

	res := &Result{Outcome: OutcomeAdvance, NextRunAt: now}
	if verdict {
		res.BranchTarget = cfg.OnTrue
	} else {
		res.BranchTarget = cfg.OnFalse
	}
	return res, nil
}

func (x *Executor) recordFailed(ctx context.Context, enrollmentID, stepID, reason string, now time.Time) {
	_, err := x.executions.Create(ctx, &domain.StepExecution{
		EnrollmentID: enrollmentID,
		StepID:       stepID,
		Status:       domain.ExecutionFailed,
		ErrorReason:  reason,
		ExecutedAt:   &now,
	})
	if err != nil {
		x.log.Error("failed to record failed execution",
			"enrollment_id", enrollmentID, "step_id", stepID, "error", err.Error())
	}
}

// evaluate checks a condition against the subscriber read model.
func evaluate(cfg *domain.ConditionStepConfig, sub *domain.Subscriber) bool {
	switch cfg.Kind {
	case domain.CondOpenedEmail:
		return sub.TotalOpens > 0
	case domain.CondClickedLink:
		return sub.TotalClicks > 0
	case domain.CondEngagementScore:
		return sub.EngagementScore >= cfg.Threshold
	case domain.CondCustomField:
		v, ok := sub.CustomFields[cfg.FieldName]
		if !ok {
			return false
		}
		return fmt.Sprintf("%v", v) == cfg.FieldValue
	default:
		return false
	}
}

// quietHoursEnd returns the next moment the quiet window closes.
func quietHoursEnd(s domain.SequenceSettings, now time.Time) time.Time {
	end := time.Date(now.Year(), now.Month(), now.Day(), s.QuietHoursEnd, 0, 0, 0, time.UTC)
	if !end.After(now) {
		end = end.Add(24 * time.Hour)
	}
	return end
}

func cacheKey(step *domain.Step, part string) string {
	return fmt.Sprintf("%s:%s:%d", step.ID, part, step.UpdatedAt.Unix())
}
