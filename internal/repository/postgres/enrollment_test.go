package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/service/enrollment"
)

func setupEnrollmentRepo(t *testing.T) (*EnrollmentRepo, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewEnrollmentRepo(db), mock, func() { db.Close() }
}

func enrollmentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "sequence_id", "subscriber_id", "status", "current_step_id", "attempts",
		"claimed_by", "claimed_until", "next_run_at", "exit_reason",
		"created_at", "updated_at", "completed_at",
	})
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	repo, mock, cleanup := setupEnrollmentRepo(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO sequence_enrollments").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_enrollments_active_pair"})

	_, err := repo.Create(context.Background(), &domain.Enrollment{
		SequenceID: "seq-1", SubscriberID: "sub-1", Status: domain.EnrollmentActive,
	})
	if !errors.Is(err, enrollment.ErrDuplicateEnrollment) {
		t.Fatalf("Create() = %v, want ErrDuplicateEnrollment", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateOtherUniqueViolationPassesThrough(t *testing.T) {
	repo, mock, cleanup := setupEnrollmentRepo(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO sequence_enrollments").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "sequence_enrollments_pkey"})

	_, err := repo.Create(context.Background(), &domain.Enrollment{
		SequenceID: "seq-1", SubscriberID: "sub-1",
	})
	if errors.Is(err, enrollment.ErrDuplicateEnrollment) {
		t.Fatal("pkey violation must not map to ErrDuplicateEnrollment")
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestClaimDueStampsLease(t *testing.T) {
	repo, mock, cleanup := setupEnrollmentRepo(t)
	defer cleanup()

	now := time.Now().UTC()
	until := now.Add(time.Minute)
	stepID := "step-1"
	worker := "seq-abc123"

	mock.ExpectQuery("UPDATE sequence_enrollments SET").
		WithArgs(worker, 60, 10).
		WillReturnRows(enrollmentRows().AddRow(
			"enr-1", "seq-1", "sub-1", "active", &stepID, 0,
			&worker, &until, &now, "", now, now, nil,
		))

	claimed, err := repo.ClaimDue(context.Background(), worker, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d, want 1", len(claimed))
	}
	if claimed[0].ClaimedBy == nil || *claimed[0].ClaimedBy != worker {
		t.Errorf("claimed_by = %v, want %s", claimed[0].ClaimedBy, worker)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTryClaimConflict(t *testing.T) {
	repo, mock, cleanup := setupEnrollmentRepo(t)
	defer cleanup()

	now := time.Now().UTC()
	other := "seq-other"
	until := now.Add(time.Minute)
	stepID := "step-1"

	// CAS matches zero rows, then the follow-up read shows an active
	// enrollment held by someone else
	mock.ExpectQuery("UPDATE sequence_enrollments SET").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM sequence_enrollments WHERE id").
		WillReturnRows(enrollmentRows().AddRow(
			"enr-1", "seq-1", "sub-1", "active", &stepID, 0,
			&other, &until, &now, "", now, now, nil,
		))

	_, err := repo.TryClaim(context.Background(), "enr-1", "seq-me", time.Minute)
	if !errors.Is(err, enrollment.ErrLeaseConflict) {
		t.Fatalf("TryClaim() = %v, want ErrLeaseConflict", err)
	}
}

func TestTryClaimTerminal(t *testing.T) {
	repo, mock, cleanup := setupEnrollmentRepo(t)
	defer cleanup()

	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE sequence_enrollments SET").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM sequence_enrollments WHERE id").
		WillReturnRows(enrollmentRows().AddRow(
			"enr-1", "seq-1", "sub-1", "completed", nil, 0,
			nil, nil, nil, "", now, now, &now,
		))

	_, err := repo.TryClaim(context.Background(), "enr-1", "seq-me", time.Minute)
	if !errors.Is(err, enrollment.ErrAlreadyTerminal) {
		t.Fatalf("TryClaim() = %v, want ErrAlreadyTerminal", err)
	}
}

func TestAdvanceDiscardedWhenTerminal(t *testing.T) {
	repo, mock, cleanup := setupEnrollmentRepo(t)
	defer cleanup()

	now := time.Now().UTC()

	mock.ExpectExec("UPDATE sequence_enrollments SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM sequence_enrollments WHERE id").
		WillReturnRows(enrollmentRows().AddRow(
			"enr-1", "seq-1", "sub-1", "exited", nil, 0,
			nil, nil, nil, "unsubscribed", now, now, &now,
		))

	err := repo.Advance(context.Background(), "enr-1", "seq-me", "step-2", now)
	if !errors.Is(err, enrollment.ErrAlreadyTerminal) {
		t.Fatalf("Advance() = %v, want ErrAlreadyTerminal", err)
	}
}

func TestSetTerminalGuardsActive(t *testing.T) {
	repo, mock, cleanup := setupEnrollmentRepo(t)
	defer cleanup()

	mock.ExpectExec("UPDATE sequence_enrollments SET").
		WithArgs("exited", "unsubscribed", "enr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SetTerminal(context.Background(), "enr-1", domain.EnrollmentExited, "unsubscribed"); err != nil {
		t.Fatalf("SetTerminal() error: %v", err)
	}

	mock.ExpectExec("UPDATE sequence_enrollments SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.SetTerminal(context.Background(), "enr-1", domain.EnrollmentFailed, "x")
	if !errors.Is(err, enrollment.ErrAlreadyTerminal) {
		t.Fatalf("SetTerminal() second = %v, want ErrAlreadyTerminal", err)
	}
}

func TestReclaimExpired(t *testing.T) {
	repo, mock, cleanup := setupEnrollmentRepo(t)
	defer cleanup()

	mock.ExpectExec("UPDATE sequence_enrollments SET").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ReclaimExpired(context.Background())
	if err != nil {
		t.Fatalf("ReclaimExpired() error: %v", err)
	}
	if n != 3 {
		t.Errorf("reclaimed = %d, want 3", n)
	}
}

func TestIncrementSequenceStatRejectsUnknownColumn(t *testing.T) {
	repo, _, cleanup := setupEnrollmentRepo(t)
	defer cleanup()

	if err := repo.IncrementSequenceStat(context.Background(), "seq-1", "total_entered; DROP TABLE"); err == nil {
		t.Fatal("expected error for unknown stat column")
	}
}
