package enrollment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/outrevo/planemail-engine/internal/domain"
)

// memRepo is an in-memory Repository. Lease operations hold the mutex for
// the whole check-and-set so the two-worker race test is meaningful.
type memRepo struct {
	mu          sync.Mutex
	enrollments map[string]*domain.Enrollment
	stats       map[string]map[string]int
}

func newMemRepo() *memRepo {
	return &memRepo{
		enrollments: make(map[string]*domain.Enrollment),
		stats:       make(map[string]map[string]int),
	}
}

func (m *memRepo) Get(_ context.Context, id string) (*domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, f ListFilter) ([]domain.Enrollment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Enrollment
	for _, e := range m.enrollments {
		if f.SequenceID != "" && e.SequenceID != f.SequenceID {
			continue
		}
		if f.SubscriberID != "" && e.SubscriberID != f.SubscriberID {
			continue
		}
		if f.Status != "" && string(e.Status) != f.Status {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (m *memRepo) Create(_ context.Context, e *domain.Enrollment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Mirror the partial unique index on (sequence_id, subscriber_id)
	// WHERE status = 'active'
	for _, existing := range m.enrollments {
		if existing.SequenceID == e.SequenceID &&
			existing.SubscriberID == e.SubscriberID &&
			existing.Status == domain.EnrollmentActive {
			return "", ErrDuplicateEnrollment
		}
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()
	cp := *e
	m.enrollments[e.ID] = &cp
	return e.ID, nil
}

func (m *memRepo) ActiveExists(_ context.Context, sequenceID, subscriberID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.enrollments {
		if e.SequenceID == sequenceID && e.SubscriberID == subscriberID && e.Status == domain.EnrollmentActive {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) TerminalExists(_ context.Context, sequenceID, subscriberID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.enrollments {
		if e.SequenceID == sequenceID && e.SubscriberID == subscriberID && e.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func leaseFree(e *domain.Enrollment, now time.Time) bool {
	return e.ClaimedUntil == nil || e.ClaimedUntil.Before(now)
}

func (m *memRepo) ClaimDue(_ context.Context, workerID string, limit int, lease time.Duration) ([]domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []domain.Enrollment
	for _, e := range m.enrollments {
		if len(out) >= limit {
			break
		}
		if e.Status != domain.EnrollmentActive {
			continue
		}
		if e.NextRunAt != nil && e.NextRunAt.After(now) {
			continue
		}
		if !leaseFree(e, now) {
			continue
		}
		until := now.Add(lease)
		e.ClaimedBy = &workerID
		e.ClaimedUntil = &until
		out = append(out, *e)
	}
	return out, nil
}

func (m *memRepo) TryClaim(_ context.Context, id, workerID string, lease time.Duration) (*domain.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != domain.EnrollmentActive {
		return nil, ErrAlreadyTerminal
	}
	now := time.Now().UTC()
	if !leaseFree(e, now) && (e.ClaimedBy == nil || *e.ClaimedBy != workerID) {
		return nil, ErrLeaseConflict
	}
	until := now.Add(lease)
	e.ClaimedBy = &workerID
	e.ClaimedUntil = &until
	cp := *e
	return &cp, nil
}

func (m *memRepo) Release(_ context.Context, id, workerID string, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return ErrNotFound
	}
	if e.ClaimedBy == nil || *e.ClaimedBy != workerID {
		return nil
	}
	e.ClaimedBy = nil
	e.ClaimedUntil = nil
	if nextRunAt != nil {
		e.NextRunAt = nextRunAt
	}
	return nil
}

func (m *memRepo) Advance(_ context.Context, id, workerID, stepID string, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != domain.EnrollmentActive {
		return ErrAlreadyTerminal
	}
	e.CurrentStepID = &stepID
	e.Attempts = 0
	e.ClaimedBy = nil
	e.ClaimedUntil = nil
	e.NextRunAt = &nextRunAt
	return nil
}

func (m *memRepo) IncrementAttempts(_ context.Context, id string, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return ErrNotFound
	}
	e.Attempts++
	e.NextRunAt = &nextRunAt
	e.ClaimedBy = nil
	e.ClaimedUntil = nil
	return nil
}

func (m *memRepo) SetTerminal(_ context.Context, id string, status domain.EnrollmentStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != domain.EnrollmentActive {
		return ErrAlreadyTerminal
	}
	e.Status = status
	e.ExitReason = reason
	e.ClaimedBy = nil
	e.ClaimedUntil = nil
	now := time.Now().UTC()
	e.CompletedAt = &now
	return nil
}

func (m *memRepo) ReclaimExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, e := range m.enrollments {
		if e.ClaimedUntil != nil && e.ClaimedUntil.Before(now) {
			e.ClaimedBy = nil
			e.ClaimedUntil = nil
			n++
		}
	}
	return n, nil
}

func (m *memRepo) IncrementSequenceStat(_ context.Context, sequenceID, column string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats[sequenceID] == nil {
		m.stats[sequenceID] = make(map[string]int)
	}
	m.stats[sequenceID][column]++
	return nil
}

// memStore is a SequenceStore fake.
type memStore struct {
	sequences map[string]*domain.Sequence
	steps     []domain.Step
}

func (m *memStore) GetByID(_ context.Context, id string) (*domain.Sequence, error) {
	s, ok := m.sequences[id]
	if !ok {
		return nil, errors.New("sequence not found")
	}
	return s, nil
}

func (m *memStore) GetStep(_ context.Context, stepID string) (*domain.Step, error) {
	for i := range m.steps {
		if m.steps[i].ID == stepID {
			return &m.steps[i], nil
		}
	}
	return nil, errors.New("step not found")
}

func (m *memStore) FirstStep(_ context.Context, sequenceID string) (*domain.Step, error) {
	for i := range m.steps {
		if m.steps[i].SequenceID == sequenceID && m.steps[i].IsActive {
			return &m.steps[i], nil
		}
	}
	return nil, errors.New("no steps")
}

func (m *memStore) NextStep(_ context.Context, sequenceID string, afterOrder int) (*domain.Step, error) {
	for i := range m.steps {
		if m.steps[i].SequenceID == sequenceID && m.steps[i].IsActive && m.steps[i].StepOrder > afterOrder {
			return &m.steps[i], nil
		}
	}
	return nil, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) EnrollmentEvent(_ context.Context, event string, _ *domain.Sequence, _ *domain.Enrollment) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func newFixture() (*Service, *memRepo, *memStore, *recordingNotifier) {
	repo := newMemRepo()
	store := &memStore{
		sequences: map[string]*domain.Sequence{
			"seq-1": {
				ID:       "seq-1",
				Status:   domain.SequenceActive,
				Settings: domain.SequenceSettings{WebhookURL: "https://hooks.example.com/pm"},
			},
		},
		steps: []domain.Step{
			{ID: "step-1", SequenceID: "seq-1", Type: domain.StepEmail, StepOrder: 1, IsActive: true},
			{ID: "step-2", SequenceID: "seq-1", Type: domain.StepDelay, StepOrder: 2, IsActive: true},
			{ID: "step-3", SequenceID: "seq-1", Type: domain.StepEmail, StepOrder: 3, IsActive: true},
		},
	}
	n := &recordingNotifier{}
	return NewService(repo, store, n), repo, store, n
}

func TestEnroll(t *testing.T) {
	svc, repo, _, n := newFixture()

	e, err := svc.Enroll(context.Background(), domain.EnrollmentTrigger{
		SequenceID: "seq-1", SubscriberID: "sub-1",
	})
	if err != nil {
		t.Fatalf("Enroll() error: %v", err)
	}
	if e.Status != domain.EnrollmentActive {
		t.Errorf("status = %s, want active", e.Status)
	}
	if e.CurrentStepID == nil || *e.CurrentStepID != "step-1" {
		t.Errorf("current step = %v, want step-1", e.CurrentStepID)
	}
	if e.NextRunAt == nil {
		t.Error("expected next_run_at set on entry")
	}
	if repo.stats["seq-1"]["total_entered"] != 1 {
		t.Errorf("total_entered = %d, want 1", repo.stats["seq-1"]["total_entered"])
	}
	if len(n.events) != 1 || n.events[0] != "enrollment.started" {
		t.Errorf("events = %v, want [enrollment.started]", n.events)
	}
}

func TestEnrollDuplicateRejected(t *testing.T) {
	svc, _, _, _ := newFixture()
	trigger := domain.EnrollmentTrigger{SequenceID: "seq-1", SubscriberID: "sub-1"}

	if _, err := svc.Enroll(context.Background(), trigger); err != nil {
		t.Fatalf("first Enroll() error: %v", err)
	}
	_, err := svc.Enroll(context.Background(), trigger)
	if !errors.Is(err, ErrDuplicateEnrollment) {
		t.Fatalf("second Enroll() = %v, want ErrDuplicateEnrollment", err)
	}
}

func TestEnrollReentry(t *testing.T) {
	svc, _, store, _ := newFixture()
	trigger := domain.EnrollmentTrigger{SequenceID: "seq-1", SubscriberID: "sub-1"}

	e, err := svc.Enroll(context.Background(), trigger)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Complete(context.Background(), e.ID); err != nil {
		t.Fatal(err)
	}

	// Re-entry blocked by default
	_, err = svc.Enroll(context.Background(), trigger)
	if !errors.Is(err, ErrReentryDisabled) {
		t.Fatalf("Enroll() after completion = %v, want ErrReentryDisabled", err)
	}

	store.sequences["seq-1"].Settings.AllowReentry = true
	if _, err := svc.Enroll(context.Background(), trigger); err != nil {
		t.Fatalf("Enroll() with re-entry allowed error: %v", err)
	}
}

func TestEnrollInactiveSequence(t *testing.T) {
	svc, _, store, _ := newFixture()
	store.sequences["seq-1"].Status = domain.SequencePaused

	_, err := svc.Enroll(context.Background(), domain.EnrollmentTrigger{
		SequenceID: "seq-1", SubscriberID: "sub-1",
	})
	if !errors.Is(err, ErrSequenceNotActive) {
		t.Fatalf("Enroll() = %v, want ErrSequenceNotActive", err)
	}
}

func TestAdvanceLinearAndBranch(t *testing.T) {
	svc, repo, store, _ := newFixture()
	e, err := svc.Enroll(context.Background(), domain.EnrollmentTrigger{
		SequenceID: "seq-1", SubscriberID: "sub-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	next := time.Now().UTC().Add(time.Minute)
	step1, _ := store.GetStep(context.Background(), "step-1")
	if err := svc.Advance(context.Background(), e, "w1", step1, nil, next); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	got, _ := repo.Get(context.Background(), e.ID)
	if got.CurrentStepID == nil || *got.CurrentStepID != "step-2" {
		t.Errorf("current step = %v, want step-2", got.CurrentStepID)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want reset to 0", got.Attempts)
	}

	// Branch target jumps over the linear order
	target := "step-1"
	step2, _ := store.GetStep(context.Background(), "step-2")
	if err := svc.Advance(context.Background(), got, "w1", step2, &target, next); err != nil {
		t.Fatalf("Advance() branch error: %v", err)
	}
	got, _ = repo.Get(context.Background(), e.ID)
	if got.CurrentStepID == nil || *got.CurrentStepID != "step-1" {
		t.Errorf("current step = %v, want step-1 via branch", got.CurrentStepID)
	}
}

func TestAdvancePastLastStepCompletes(t *testing.T) {
	svc, repo, store, n := newFixture()
	e, err := svc.Enroll(context.Background(), domain.EnrollmentTrigger{
		SequenceID: "seq-1", SubscriberID: "sub-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	last, _ := store.GetStep(context.Background(), "step-3")
	if err := svc.Advance(context.Background(), e, "w1", last, nil, time.Now().UTC()); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}

	got, _ := repo.Get(context.Background(), e.ID)
	if got.Status != domain.EnrollmentCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at set")
	}
	if repo.stats["seq-1"]["total_completed"] != 1 {
		t.Errorf("total_completed = %d, want 1", repo.stats["seq-1"]["total_completed"])
	}
	found := false
	for _, ev := range n.events {
		if ev == "enrollment.completed" {
			found = true
		}
	}
	if !found {
		t.Errorf("events = %v, want enrollment.completed", n.events)
	}
}

func TestTerminalTransitions(t *testing.T) {
	svc, repo, _, _ := newFixture()
	e, err := svc.Enroll(context.Background(), domain.EnrollmentTrigger{
		SequenceID: "seq-1", SubscriberID: "sub-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Fail(context.Background(), e.ID, "retries exhausted"); err != nil {
		t.Fatalf("Fail() error: %v", err)
	}
	got, _ := repo.Get(context.Background(), e.ID)
	if got.Status != domain.EnrollmentFailed || got.ExitReason != "retries exhausted" {
		t.Errorf("got status=%s reason=%q", got.Status, got.ExitReason)
	}

	// Terminal is terminal
	if err := svc.Exit(context.Background(), e.ID, "again"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("Exit() on failed = %v, want ErrAlreadyTerminal", err)
	}
	if repo.stats["seq-1"]["total_failed"] != 1 {
		t.Errorf("total_failed = %d, want 1", repo.stats["seq-1"]["total_failed"])
	}
}

func TestTwoWorkersOneClaim(t *testing.T) {
	svc, repo, _, _ := newFixture()
	e, err := svc.Enroll(context.Background(), domain.EnrollmentTrigger{
		SequenceID: "seq-1", SubscriberID: "sub-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, w := range []string{"worker-a", "worker-b"} {
		wg.Add(1)
		go func(i int, workerID string) {
			defer wg.Done()
			_, results[i] = repo.TryClaim(context.Background(), e.ID, workerID, time.Minute)
		}(i, w)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range results {
		if errors.Is(err, ErrLeaseConflict) {
			conflicts++
		} else if err != nil {
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if conflicts != 1 {
		t.Fatalf("conflicts = %d, want exactly one of two claims to lose", conflicts)
	}

	// Batch claims also skip the leased enrollment
	batch, err := svc.ClaimDue(context.Background(), "worker-c", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 0 {
		t.Errorf("ClaimDue() = %d enrollments, want 0 while leased", len(batch))
	}
}

func TestReclaimExpiredLeases(t *testing.T) {
	svc, repo, _, _ := newFixture()
	e, err := svc.Enroll(context.Background(), domain.EnrollmentTrigger{
		SequenceID: "seq-1", SubscriberID: "sub-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	// A lease that already expired, as left by a crashed worker
	if _, err := repo.TryClaim(context.Background(), e.ID, "dead-worker", -time.Minute); err != nil {
		t.Fatal(err)
	}

	n, err := svc.ReclaimExpired(context.Background())
	if err != nil {
		t.Fatalf("ReclaimExpired() error: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed = %d, want 1", n)
	}

	batch, err := svc.ClaimDue(context.Background(), "worker-b", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 {
		t.Errorf("ClaimDue() after reclaim = %d, want 1", len(batch))
	}
}
