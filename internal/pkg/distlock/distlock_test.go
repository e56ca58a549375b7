package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLockMutualExclusion(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "recovery", time.Minute)
	b := NewRedisLock(client, "recovery", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !ok {
		t.Fatal("first Acquire() should succeed")
	}

	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if ok {
		t.Fatal("second Acquire() should fail while lock is held")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
	if !ok {
		t.Fatal("Acquire() after release should succeed")
	}
}

func TestRedisLockReleaseOnlyOwn(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "recovery", time.Minute)
	b := NewRedisLock(client, "recovery", time.Minute)

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("setup: Acquire() failed")
	}

	// b never held the lock; releasing is a no-op for a's claim.
	if err := b.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("lock should still be held by a")
	}
}

func TestPGAdvisoryLockAcquireRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	// Lock and unlock must run on the same session.
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 0))

	l := NewPGAdvisoryLock(db, "recovery")
	ok, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !ok {
		t.Fatal("Acquire() should succeed")
	}
	if l.conn == nil {
		t.Fatal("held lock should pin a connection")
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if l.conn != nil {
		t.Fatal("Release() should return the pinned connection")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPGAdvisoryLockContendedReturnsConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	l := NewPGAdvisoryLock(db, "recovery")
	ok, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if ok {
		t.Fatal("Acquire() should report contention")
	}
	if l.conn != nil {
		t.Fatal("contended Acquire() must not pin a connection")
	}

	// Release without a held lock is a no-op.
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRedisLockExtend(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "recovery", time.Minute)
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("setup: Acquire() failed")
	}
	if err := a.Extend(ctx, 2*time.Minute); err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
}
