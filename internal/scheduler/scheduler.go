package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/outrevo/planemail-engine/internal/config"
	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/executor"
	"github.com/outrevo/planemail-engine/internal/pkg/distlock"
	"github.com/outrevo/planemail-engine/internal/service/enrollment"
	"github.com/outrevo/planemail-engine/internal/service/sequence"
)

// Scheduler polls for due enrollments, claims them under a per-enrollment
// lease, and drives the step executor. Many instances run concurrently
// across processes; the lease CAS keeps them from double-executing.
type Scheduler struct {
	db          *sql.DB
	enrollments *enrollment.Service
	sequences   *sequence.Service
	exec        *executor.Executor
	recoverLock distlock.DistLock
	cfg         config.SchedulerConfig
	workerID    string

	// Stats
	totalExecuted int64
	totalErrors   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// New creates a scheduler worker. recoverLock serializes the stale-lease
// sweep across workers; it may be nil to disable recovery on this instance.
func New(db *sql.DB, enrollments *enrollment.Service, sequences *sequence.Service, exec *executor.Executor, recoverLock distlock.DistLock, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		db:          db,
		enrollments: enrollments,
		sequences:   sequences,
		exec:        exec,
		recoverLock: recoverLock,
		cfg:         cfg,
		workerID:    fmt.Sprintf("seq-%s", uuid.New().String()[:8]),
	}
}

// WorkerID returns this instance's worker id.
func (s *Scheduler) WorkerID() string { return s.workerID }

// Start begins the poll, heartbeat, and recovery loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("Scheduler: Starting worker %s", s.workerID)

	s.registerWorker()

	s.wg.Add(1)
	go s.pollLoop()

	s.wg.Add(1)
	go s.heartbeatLoop()

	if s.recoverLock != nil {
		s.wg.Add(1)
		go s.recoveryLoop()
	}
}

// Stop gracefully stops the scheduler with a timeout.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	log.Println("Scheduler: Stopping...")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Scheduler: All goroutines stopped cleanly")
	case <-time.After(30 * time.Second):
		log.Println("Scheduler: Shutdown timeout - forcing stop")
	}

	s.deregisterWorker()

	log.Printf("Scheduler: Stopped. Executed: %d, Errors: %d",
		atomic.LoadInt64(&s.totalExecuted), atomic.LoadInt64(&s.totalErrors))
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.processDue()
		}
	}
}

// processDue claims one batch of due enrollments and runs each one.
func (s *Scheduler) processDue() {
	ctx, cancel := context.WithTimeout(s.ctx, 60*time.Second)
	defer cancel()

	claimed, err := s.enrollments.ClaimDue(ctx, s.workerID, s.cfg.BatchSize, s.cfg.LeaseTTL())
	if err != nil {
		log.Printf("Scheduler: Error claiming due enrollments: %v", err)
		return
	}

	for i := range claimed {
		s.runChain(ctx, &claimed[i])
	}
}

// maxChainHops bounds how many immediately due steps one claim may follow
// before yielding back to the poll loop.
const maxChainHops = 8

// runChain executes a claimed enrollment's current step and, while the
// advance leaves it immediately due again, re-claims and keeps going instead
// of waiting out a poll interval. Condition hops and back-to-back emails land
// in the same tick this way.
func (s *Scheduler) runChain(ctx context.Context, e *domain.Enrollment) {
	for hop := 0; ; hop++ {
		again, err := s.processEnrollment(ctx, e)
		if err != nil {
			atomic.AddInt64(&s.totalErrors, 1)
			log.Printf("Scheduler: Error processing enrollment %s: %v", e.ID, err)
			return
		}
		atomic.AddInt64(&s.totalExecuted, 1)
		if !again || hop >= maxChainHops {
			return
		}
		next, err := s.enrollments.TryClaim(ctx, e.ID, s.workerID, s.cfg.LeaseTTL())
		if err != nil {
			// Completed, went terminal, or another worker got there first.
			return
		}
		e = next
	}
}

// processEnrollment runs one claimed enrollment through its current step and
// applies the executor's verdict. The returned bool reports whether the
// enrollment advanced and is immediately due again, i.e. worth re-claiming.
func (s *Scheduler) processEnrollment(ctx context.Context, e *domain.Enrollment) (bool, error) {
	seq, err := s.sequences.GetByID(ctx, e.SequenceID)
	if err != nil {
		return false, fmt.Errorf("load sequence: %w", err)
	}

	switch seq.Status {
	case domain.SequenceActive:
		// proceed
	case domain.SequencePaused:
		// Paused sequences hold their enrollments; check again in a while.
		later := time.Now().UTC().Add(5 * time.Minute)
		return false, s.enrollments.Release(ctx, e.ID, s.workerID, &later)
	default:
		return false, s.enrollments.Exit(ctx, e.ID, fmt.Sprintf("sequence %s", seq.Status))
	}

	if e.CurrentStepID == nil {
		return false, s.enrollments.Complete(ctx, e.ID)
	}

	step, err := s.sequences.GetStep(ctx, *e.CurrentStepID)
	if err != nil {
		if errors.Is(err, sequence.ErrStepNotFound) {
			return false, s.enrollments.Exit(ctx, e.ID, "current step deleted")
		}
		return false, fmt.Errorf("load step: %w", err)
	}
	if !step.IsActive {
		// Deactivated steps are skipped in place.
		err := s.enrollments.Advance(ctx, e, s.workerID, step, nil, time.Now().UTC())
		return err == nil, err
	}

	res, err := s.exec.Execute(ctx, seq, step, e)
	if err != nil {
		if errors.Is(err, executor.ErrInvalidStepConfiguration) {
			return false, s.terminate(ctx, seq, e, fmt.Sprintf("step %s misconfigured", step.ID))
		}
		s.retryOrTerminate(ctx, seq, e, err.Error())
		return false, err
	}

	switch res.Outcome {
	case executor.OutcomeAdvance:
		err := s.enrollments.Advance(ctx, e, s.workerID, step, res.BranchTarget, res.NextRunAt)
		if errors.Is(err, enrollment.ErrAlreadyTerminal) {
			// Exited while we were executing; the advance is discarded.
			log.Printf("Scheduler: Enrollment %s went terminal mid-step, discarding advance", e.ID)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return !res.NextRunAt.After(time.Now().UTC()), nil

	case executor.OutcomeRetry:
		s.retryOrTerminate(ctx, seq, e, res.Err.Error())
		return false, nil

	case executor.OutcomeDefer:
		return false, s.enrollments.Release(ctx, e.ID, s.workerID, &res.NextRunAt)

	case executor.OutcomeExit:
		return false, s.enrollments.Exit(ctx, e.ID, res.ExitReason)

	default:
		return false, fmt.Errorf("unknown outcome %d", res.Outcome)
	}
}

// retryOrTerminate applies the retry budget. Inside the budget the attempt
// counter is bumped and the enrollment rescheduled with backoff; once the
// budget is spent the sequence's failure policy decides the terminal state.
func (s *Scheduler) retryOrTerminate(ctx context.Context, seq *domain.Sequence, e *domain.Enrollment, reason string) {
	budget := seq.Settings.RetryBudget(s.cfg.MaxRetries)
	if e.Attempts+1 >= budget {
		if err := s.terminate(ctx, seq, e, fmt.Sprintf("retries exhausted: %s", reason)); err != nil {
			log.Printf("Scheduler: Error terminating enrollment %s: %v", e.ID, err)
		}
		return
	}

	next := time.Now().UTC().Add(retryBackoff(s.cfg.RetryBase(), e.Attempts))
	if err := s.enrollments.RecordRetry(ctx, e.ID, next); err != nil {
		log.Printf("Scheduler: Error recording retry for %s: %v", e.ID, err)
	}
}

func (s *Scheduler) terminate(ctx context.Context, seq *domain.Sequence, e *domain.Enrollment, reason string) error {
	if seq.Settings.Policy() == domain.FailureFail {
		return s.enrollments.Fail(ctx, e.ID, reason)
	}
	return s.enrollments.Exit(ctx, e.ID, reason)
}

// recoveryLoop periodically frees leases left by crashed workers. The
// distributed lock keeps the sweep to one worker at a time.
func (s *Scheduler) recoveryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RecoveryInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runRecovery()
		}
	}
}

func (s *Scheduler) runRecovery() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	ok, err := s.recoverLock.Acquire(ctx)
	if err != nil {
		log.Printf("Scheduler: Recovery lock error: %v", err)
		return
	}
	if !ok {
		return
	}
	defer s.recoverLock.Release(ctx)

	n, err := s.enrollments.ReclaimExpired(ctx)
	if err != nil {
		log.Printf("Scheduler: Error reclaiming expired leases: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Scheduler: Reclaimed %d expired leases", n)
	}
}

func (s *Scheduler) registerWorker() {
	_, err := s.db.Exec(`
		INSERT INTO sequence_workers (id, worker_type, hostname, status, started_at, last_heartbeat_at)
		VALUES ($1, 'scheduler', $2, 'running', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'running',
			started_at = NOW(),
			last_heartbeat_at = NOW()
	`, s.workerID, hostname())
	if err != nil {
		log.Printf("Scheduler: Error registering worker: %v", err)
	}
}

func (s *Scheduler) deregisterWorker() {
	if _, err := s.db.Exec(`UPDATE sequence_workers SET status = 'stopped' WHERE id = $1`, s.workerID); err != nil {
		log.Printf("Scheduler: Error deregistering worker: %v", err)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func (s *Scheduler) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_, err := s.db.Exec(`
				UPDATE sequence_workers
				SET last_heartbeat_at = NOW(), total_processed = $2, total_errors = $3
				WHERE id = $1
			`, s.workerID, atomic.LoadInt64(&s.totalExecuted), atomic.LoadInt64(&s.totalErrors))
			if err != nil {
				log.Printf("Scheduler: Heartbeat error: %v", err)
			}
		}
	}
}
