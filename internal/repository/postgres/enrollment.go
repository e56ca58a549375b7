package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/service/enrollment"
)

// EnrollmentRepo implements enrollment.Repository against PostgreSQL. The
// lease operations rely on conditional UPDATEs and FOR UPDATE SKIP LOCKED;
// no advisory locks, no serializable transactions.
type EnrollmentRepo struct{ db *sql.DB }

// NewEnrollmentRepo creates a Postgres-backed enrollment repository.
func NewEnrollmentRepo(db *sql.DB) *EnrollmentRepo { return &EnrollmentRepo{db: db} }

const enrollmentCols = `
	id, sequence_id, subscriber_id, status, current_step_id, attempts,
	claimed_by, claimed_until, next_run_at, COALESCE(exit_reason, ''),
	created_at, updated_at, completed_at`

func scanEnrollment(row interface{ Scan(...interface{}) error }) (*domain.Enrollment, error) {
	e := &domain.Enrollment{}
	err := row.Scan(
		&e.ID, &e.SequenceID, &e.SubscriberID, &e.Status, &e.CurrentStepID,
		&e.Attempts, &e.ClaimedBy, &e.ClaimedUntil, &e.NextRunAt, &e.ExitReason,
		&e.CreatedAt, &e.UpdatedAt, &e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// isUniqueViolation reports whether err is a violation of the named
// constraint. An empty name matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func (r *EnrollmentRepo) Get(ctx context.Context, id string) (*domain.Enrollment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+enrollmentCols+`
		FROM sequence_enrollments WHERE id = $1
	`, id)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, enrollment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

func (r *EnrollmentRepo) List(ctx context.Context, f enrollment.ListFilter) ([]domain.Enrollment, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	idx := 1
	add := func(cond string, val interface{}) {
		where += fmt.Sprintf(" AND %s = $%d", cond, idx)
		args = append(args, val)
		idx++
	}
	if f.SequenceID != "" {
		add("sequence_id", f.SequenceID)
	}
	if f.SubscriberID != "" {
		add("subscriber_id", f.SubscriberID)
	}
	if f.Status != "" {
		add("status", f.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sequence_enrollments "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM sequence_enrollments %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		enrollmentCols, where, idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, total, nil
}

func (r *EnrollmentRepo) Create(ctx context.Context, e *domain.Enrollment) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sequence_enrollments
			(id, sequence_id, subscriber_id, status, current_step_id,
			 attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
	`, e.ID, e.SequenceID, e.SubscriberID, e.Status, e.CurrentStepID, e.NextRunAt)
	if isUniqueViolation(err, "uq_enrollments_active_pair") {
		return "", enrollment.ErrDuplicateEnrollment
	}
	if err != nil {
		return "", fmt.Errorf("create enrollment: %w", err)
	}
	return e.ID, nil
}

func (r *EnrollmentRepo) ActiveExists(ctx context.Context, sequenceID, subscriberID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sequence_enrollments
			WHERE sequence_id = $1 AND subscriber_id = $2 AND status = 'active'
		)
	`, sequenceID, subscriberID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("active exists: %w", err)
	}
	return exists, nil
}

func (r *EnrollmentRepo) TerminalExists(ctx context.Context, sequenceID, subscriberID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sequence_enrollments
			WHERE sequence_id = $1 AND subscriber_id = $2
			  AND status IN ('completed', 'exited', 'failed')
		)
	`, sequenceID, subscriberID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("terminal exists: %w", err)
	}
	return exists, nil
}

// ClaimDue claims up to limit due enrollments in one statement. SKIP LOCKED
// keeps concurrent workers from blocking on the same rows; the UPDATE stamps
// the lease before any row is returned.
func (r *EnrollmentRepo) ClaimDue(ctx context.Context, workerID string, limit int, lease time.Duration) ([]domain.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sequence_enrollments SET
			claimed_by = $1,
			claimed_until = NOW() + $2 * INTERVAL '1 second',
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sequence_enrollments
			WHERE status = 'active'
			  AND (next_run_at IS NULL OR next_run_at <= NOW())
			  AND (claimed_until IS NULL OR claimed_until < NOW())
			ORDER BY next_run_at ASC NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+enrollmentCols+`
	`, workerID, int(lease.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed: %w", err)
		}
		out = append(out, *e)
	}
	return out, nil
}

// TryClaim attempts the lease CAS on a single enrollment. Zero rows means
// someone else holds it (or it went terminal); the second query tells the
// two apart.
func (r *EnrollmentRepo) TryClaim(ctx context.Context, id, workerID string, lease time.Duration) (*domain.Enrollment, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE sequence_enrollments SET
			claimed_by = $1,
			claimed_until = NOW() + $2 * INTERVAL '1 second',
			updated_at = NOW()
		WHERE id = $3
		  AND status = 'active'
		  AND (claimed_until IS NULL OR claimed_until < NOW() OR claimed_by = $1)
		RETURNING `+enrollmentCols+`
	`, workerID, int(lease.Seconds()), id)

	e, err := scanEnrollment(row)
	if err == nil {
		return e, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("try claim: %w", err)
	}

	cur, getErr := r.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if cur.IsTerminal() {
		return nil, enrollment.ErrAlreadyTerminal
	}
	return nil, enrollment.ErrLeaseConflict
}

func (r *EnrollmentRepo) Release(ctx context.Context, id, workerID string, nextRunAt *time.Time) error {
	q := `
		UPDATE sequence_enrollments SET
			claimed_by = NULL,
			claimed_until = NULL,
			updated_at = NOW()`
	args := []interface{}{id, workerID}
	if nextRunAt != nil {
		q += `, next_run_at = $3`
		args = append(args, *nextRunAt)
	}
	q += ` WHERE id = $1 AND claimed_by = $2`

	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Advance is guarded on status so a concurrent exit wins: if the enrollment
// is no longer active the move is discarded and ErrAlreadyTerminal returned.
func (r *EnrollmentRepo) Advance(ctx context.Context, id, workerID, stepID string, nextRunAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequence_enrollments SET
			current_step_id = $1,
			attempts = 0,
			claimed_by = NULL,
			claimed_until = NULL,
			next_run_at = $2,
			updated_at = NOW()
		WHERE id = $3 AND claimed_by = $4 AND status = 'active'
	`, stepID, nextRunAt, id, workerID)
	if err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		cur, getErr := r.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if cur.IsTerminal() {
			return enrollment.ErrAlreadyTerminal
		}
		return enrollment.ErrLeaseConflict
	}
	return nil
}

func (r *EnrollmentRepo) IncrementAttempts(ctx context.Context, id string, nextRunAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequence_enrollments SET
			attempts = attempts + 1,
			claimed_by = NULL,
			claimed_until = NULL,
			next_run_at = $1,
			updated_at = NOW()
		WHERE id = $2 AND status = 'active'
	`, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return enrollment.ErrNotFound
	}
	return nil
}

func (r *EnrollmentRepo) SetTerminal(ctx context.Context, id string, status domain.EnrollmentStatus, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequence_enrollments SET
			status = $1,
			exit_reason = NULLIF($2, ''),
			claimed_by = NULL,
			claimed_until = NULL,
			next_run_at = NULL,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $3 AND status = 'active'
	`, status, reason, id)
	if err != nil {
		return fmt.Errorf("set terminal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return enrollment.ErrAlreadyTerminal
	}
	return nil
}

func (r *EnrollmentRepo) ReclaimExpired(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequence_enrollments SET
			claimed_by = NULL,
			claimed_until = NULL,
			updated_at = NOW()
		WHERE status = 'active' AND claimed_until IS NOT NULL AND claimed_until < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var statColumns = map[string]bool{
	"total_entered":   true,
	"total_completed": true,
	"total_exited":    true,
	"total_failed":    true,
}

func (r *EnrollmentRepo) IncrementSequenceStat(ctx context.Context, sequenceID, column string) error {
	if !statColumns[column] {
		return fmt.Errorf("unknown stat column %q", column)
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE sequences SET %s = %s + 1, updated_at = NOW() WHERE id = $1
	`, column, column), sequenceID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}
