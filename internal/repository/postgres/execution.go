package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/executor"
)

// ExecutionRepo implements executor.ExecutionRepository against PostgreSQL.
// The table is append-only; the partial unique index
// uq_executions_non_failed enforces the one-non-failed-row invariant.
type ExecutionRepo struct{ db *sql.DB }

// NewExecutionRepo creates a Postgres-backed execution repository.
func NewExecutionRepo(db *sql.DB) *ExecutionRepo { return &ExecutionRepo{db: db} }

func (r *ExecutionRepo) Create(ctx context.Context, e *domain.StepExecution) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sequence_step_executions
			(id, enrollment_id, step_id, status, email_job_id, error_reason,
			 scheduled_at, executed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, NOW())
	`, e.ID, e.EnrollmentID, e.StepID, e.Status, e.EmailJobID, e.ErrorReason,
		e.ScheduledAt, e.ExecutedAt)
	if isUniqueViolation(err, "uq_executions_non_failed") {
		return "", executor.ErrDuplicateExecution
	}
	if err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	return e.ID, nil
}

func (r *ExecutionRepo) ExistsNonFailed(ctx context.Context, enrollmentID, stepID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sequence_step_executions
			WHERE enrollment_id = $1 AND step_id = $2 AND status <> 'failed'
		)
	`, enrollmentID, stepID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists non-failed: %w", err)
	}
	return exists, nil
}

func (r *ExecutionRepo) ListByEnrollment(ctx context.Context, enrollmentID string) ([]domain.StepExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, enrollment_id, step_id, status, email_job_id,
		       COALESCE(error_reason, ''), scheduled_at, executed_at, created_at
		FROM sequence_step_executions
		WHERE enrollment_id = $1
		ORDER BY created_at ASC
	`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.StepExecution
	for rows.Next() {
		var e domain.StepExecution
		if err := rows.Scan(&e.ID, &e.EnrollmentID, &e.StepID, &e.Status,
			&e.EmailJobID, &e.ErrorReason, &e.ScheduledAt, &e.ExecutedAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
