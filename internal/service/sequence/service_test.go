package sequence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/outrevo/planemail-engine/internal/domain"
)

// memRepo is an in-memory Repository for service tests.
type memRepo struct {
	mu            sync.Mutex
	sequences     map[string]*domain.Sequence
	steps         map[string]*domain.Step
	activeEnrolls map[string]int // sequenceID -> active count
	stepEnrolls   map[string]int // stepID -> active count
}

func newMemRepo() *memRepo {
	return &memRepo{
		sequences:     make(map[string]*domain.Sequence),
		steps:         make(map[string]*domain.Step),
		activeEnrolls: make(map[string]int),
		stepEnrolls:   make(map[string]int),
	}
}

func (m *memRepo) Get(_ context.Context, orgID, id string) (*domain.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[id]
	if !ok || s.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (*domain.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, orgID string, f ListFilter) ([]domain.Sequence, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Sequence
	for _, s := range m.sequences {
		if s.OrganizationID != orgID {
			continue
		}
		if f.Status != "" && string(s.Status) != f.Status {
			continue
		}
		out = append(out, *s)
	}
	return out, len(out), nil
}

func (m *memRepo) Create(_ context.Context, s *domain.Sequence) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	cp := *s
	m.sequences[s.ID] = &cp
	return s.ID, nil
}

func (m *memRepo) Update(_ context.Context, orgID, id string, u UpdateFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[id]
	if !ok || s.OrganizationID != orgID {
		return ErrNotFound
	}
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.TriggerType != nil {
		s.TriggerType = *u.TriggerType
	}
	if u.Settings != nil {
		s.Settings = *u.Settings
	}
	return nil
}

func (m *memRepo) UpdateStatus(_ context.Context, orgID, id string, status domain.SequenceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[id]
	if !ok || s.OrganizationID != orgID {
		return ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *memRepo) CountActiveEnrollments(_ context.Context, sequenceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeEnrolls[sequenceID], nil
}

func (m *memRepo) CountEnrollmentsOnStep(_ context.Context, stepID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepEnrolls[stepID], nil
}

func (m *memRepo) GetStep(_ context.Context, stepID string) (*domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.steps[stepID]
	if !ok {
		return nil, ErrStepNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *memRepo) ListSteps(_ context.Context, sequenceID string) ([]domain.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Step
	for _, st := range m.steps {
		if st.SequenceID == sequenceID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (m *memRepo) SaveStep(_ context.Context, step *domain.Step) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	cp := *step
	m.steps[step.ID] = &cp
	return step.ID, nil
}

func (m *memRepo) DeleteStep(_ context.Context, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[stepID]; !ok {
		return ErrStepNotFound
	}
	delete(m.steps, stepID)
	return nil
}

const testOrg = "org-1"

func seedSequence(t *testing.T, repo *memRepo, status domain.SequenceStatus) *domain.Sequence {
	t.Helper()
	seq := &domain.Sequence{
		ID:             uuid.New().String(),
		OrganizationID: testOrg,
		Name:           "Welcome Series",
		Status:         status,
		TriggerType:    domain.TriggerListSignup,
	}
	if _, err := repo.Create(context.Background(), seq); err != nil {
		t.Fatalf("seed sequence: %v", err)
	}
	return seq
}

func emailStep(sequenceID string, order int) *domain.Step {
	return &domain.Step{
		SequenceID: sequenceID,
		Type:       domain.StepEmail,
		StepOrder:  order,
		IsActive:   true,
		Config: domain.StepConfig{
			Email: &domain.EmailStepConfig{
				Subject: "Welcome aboard",
				Content: "<p>Hi {{ first_name }}</p>",
			},
		},
	}
}

func TestCreateSequence(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)

	seq, err := svc.Create(context.Background(), testOrg, CreateInput{
		Name:        "Onboarding",
		TriggerType: domain.TriggerSegmentJoined,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if seq.Status != domain.SequenceDraft {
		t.Errorf("status = %s, want draft", seq.Status)
	}
	if seq.ID == "" {
		t.Error("expected generated id")
	}

	if _, err := svc.Create(context.Background(), testOrg, CreateInput{}); err == nil {
		t.Error("Create() accepted empty name")
	}
}

func TestActivateRequiresSteps(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	seq := seedSequence(t, repo, domain.SequenceDraft)

	err := svc.SetStatus(context.Background(), testOrg, seq.ID, domain.SequenceActive)
	if !errors.Is(err, ErrNoSteps) {
		t.Fatalf("SetStatus(active) = %v, want ErrNoSteps", err)
	}

	if _, err := svc.SaveStep(context.Background(), testOrg, emailStep(seq.ID, 1)); err != nil {
		t.Fatalf("SaveStep() error: %v", err)
	}
	if err := svc.SetStatus(context.Background(), testOrg, seq.ID, domain.SequenceActive); err != nil {
		t.Fatalf("SetStatus(active) with steps error: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.SequenceStatus
		to      domain.SequenceStatus
		wantErr error
	}{
		{"active to paused", domain.SequenceActive, domain.SequencePaused, nil},
		{"paused to active", domain.SequencePaused, domain.SequenceActive, nil},
		{"draft to paused rejected", domain.SequenceDraft, domain.SequencePaused, ErrInvalidTransition},
		{"archived to active rejected", domain.SequenceArchived, domain.SequenceActive, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			svc := NewService(repo)
			seq := seedSequence(t, repo, tt.from)
			if _, err := repo.SaveStep(context.Background(), emailStep(seq.ID, 1)); err != nil {
				t.Fatal(err)
			}

			err := svc.SetStatus(context.Background(), testOrg, seq.ID, tt.to)
			if tt.wantErr == nil && err != nil {
				t.Errorf("SetStatus() error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("SetStatus() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestArchiveBlockedByActiveEnrollments(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	seq := seedSequence(t, repo, domain.SequenceActive)
	repo.activeEnrolls[seq.ID] = 3

	err := svc.Archive(context.Background(), testOrg, seq.ID)
	if !errors.Is(err, ErrArchiveWithActiveEnrollments) {
		t.Fatalf("Archive() = %v, want ErrArchiveWithActiveEnrollments", err)
	}

	repo.activeEnrolls[seq.ID] = 0
	if err := svc.Archive(context.Background(), testOrg, seq.ID); err != nil {
		t.Fatalf("Archive() error: %v", err)
	}
	got, _ := repo.GetByID(context.Background(), seq.ID)
	if got.Status != domain.SequenceArchived {
		t.Errorf("status = %s, want archived", got.Status)
	}
}

func TestSaveStepValidation(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	seq := seedSequence(t, repo, domain.SequenceDraft)

	tests := []struct {
		name string
		step *domain.Step
	}{
		{
			name: "email step missing subject",
			step: &domain.Step{
				SequenceID: seq.ID, Type: domain.StepEmail, StepOrder: 1, IsActive: true,
				Config: domain.StepConfig{Email: &domain.EmailStepConfig{Content: "<p>hi</p>"}},
			},
		},
		{
			name: "email step missing config entirely",
			step: &domain.Step{
				SequenceID: seq.ID, Type: domain.StepEmail, StepOrder: 1, IsActive: true,
			},
		},
		{
			name: "email step bad from address",
			step: &domain.Step{
				SequenceID: seq.ID, Type: domain.StepEmail, StepOrder: 1, IsActive: true,
				Config: domain.StepConfig{Email: &domain.EmailStepConfig{
					Subject: "Hi", Content: "<p>hi</p>", FromEmail: "not-an-address",
				}},
			},
		},
		{
			name: "email step unclosed tag in subject",
			step: &domain.Step{
				SequenceID: seq.ID, Type: domain.StepEmail, StepOrder: 1, IsActive: true,
				Config: domain.StepConfig{Email: &domain.EmailStepConfig{
					Subject: "{% if vip %}Welcome", Content: "<p>hi</p>",
				}},
			},
		},
		{
			name: "email step unclosed tag in content",
			step: &domain.Step{
				SequenceID: seq.ID, Type: domain.StepEmail, StepOrder: 1, IsActive: true,
				Config: domain.StepConfig{Email: &domain.EmailStepConfig{
					Subject: "Hi", Content: "<p>{% for x in items %}</p>",
				}},
			},
		},
		{
			name: "delay step zero value",
			step: &domain.Step{
				SequenceID: seq.ID, Type: domain.StepDelay, StepOrder: 2, IsActive: true,
				Config: domain.StepConfig{Delay: &domain.DelayStepConfig{Value: 0, Unit: domain.DelayHours}},
			},
		},
		{
			name: "delay step bogus unit",
			step: &domain.Step{
				SequenceID: seq.ID, Type: domain.StepDelay, StepOrder: 2, IsActive: true,
				Config: domain.StepConfig{Delay: &domain.DelayStepConfig{Value: 1, Unit: "fortnights"}},
			},
		},
		{
			name: "condition step missing kind",
			step: &domain.Step{
				SequenceID: seq.ID, Type: domain.StepCondition, StepOrder: 3, IsActive: true,
				Config: domain.StepConfig{Condition: &domain.ConditionStepConfig{}},
			},
		},
		{
			name: "unknown step type",
			step: &domain.Step{
				SequenceID: seq.ID, Type: "sms", StepOrder: 4, IsActive: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SaveStep(context.Background(), testOrg, tt.step)
			if !errors.Is(err, ErrInvalidStepConfiguration) {
				t.Errorf("SaveStep() = %v, want ErrInvalidStepConfiguration", err)
			}
		})
	}
}

func TestSaveStepAcceptsMergeTags(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	seq := seedSequence(t, repo, domain.SequenceDraft)

	step := &domain.Step{
		SequenceID: seq.ID, Type: domain.StepEmail, StepOrder: 1, IsActive: true,
		Config: domain.StepConfig{Email: &domain.EmailStepConfig{
			Subject: `Welcome, {{ first_name | default: "friend" }}!`,
			Content: `<p>{% if first_name %}Hi {{ first_name }}{% else %}Hi there{% endif %}</p>`,
		}},
	}
	if _, err := svc.SaveStep(context.Background(), testOrg, step); err != nil {
		t.Fatalf("SaveStep() = %v, want nil", err)
	}
}

func TestSaveStepConditionBranchTargets(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	seq := seedSequence(t, repo, domain.SequenceDraft)

	first, err := svc.SaveStep(context.Background(), testOrg, emailStep(seq.ID, 1))
	if err != nil {
		t.Fatalf("SaveStep() error: %v", err)
	}

	// Valid branch target
	cond := &domain.Step{
		SequenceID: seq.ID, Type: domain.StepCondition, StepOrder: 2, IsActive: true,
		Config: domain.StepConfig{Condition: &domain.ConditionStepConfig{
			Kind:   domain.CondOpenedEmail,
			OnTrue: &first.ID,
		}},
	}
	if _, err := svc.SaveStep(context.Background(), testOrg, cond); err != nil {
		t.Fatalf("SaveStep() valid branch error: %v", err)
	}

	// Target outside the sequence
	bogus := "no-such-step"
	cond2 := &domain.Step{
		SequenceID: seq.ID, Type: domain.StepCondition, StepOrder: 3, IsActive: true,
		Config: domain.StepConfig{Condition: &domain.ConditionStepConfig{
			Kind:    domain.CondEngagementScore,
			OnFalse: &bogus,
		}},
	}
	_, err = svc.SaveStep(context.Background(), testOrg, cond2)
	if !errors.Is(err, ErrInvalidStepConfiguration) {
		t.Errorf("SaveStep() bogus target = %v, want ErrInvalidStepConfiguration", err)
	}

	// Self-reference
	cond.Config.Condition.OnTrue = &cond.ID
	_, err = svc.SaveStep(context.Background(), testOrg, cond)
	if !errors.Is(err, ErrInvalidStepConfiguration) {
		t.Errorf("SaveStep() self target = %v, want ErrInvalidStepConfiguration", err)
	}
}

func TestDeleteStepInUse(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	seq := seedSequence(t, repo, domain.SequenceActive)

	step, err := svc.SaveStep(context.Background(), testOrg, emailStep(seq.ID, 1))
	if err != nil {
		t.Fatalf("SaveStep() error: %v", err)
	}
	repo.stepEnrolls[step.ID] = 2

	err = svc.DeleteStep(context.Background(), testOrg, step.ID)
	if !errors.Is(err, ErrStepInUse) {
		t.Fatalf("DeleteStep() = %v, want ErrStepInUse", err)
	}

	repo.stepEnrolls[step.ID] = 0
	if err := svc.DeleteStep(context.Background(), testOrg, step.ID); err != nil {
		t.Fatalf("DeleteStep() error: %v", err)
	}
}

func TestFirstAndNextStep(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	seq := seedSequence(t, repo, domain.SequenceActive)

	s1, _ := svc.SaveStep(context.Background(), testOrg, emailStep(seq.ID, 1))
	inactive := emailStep(seq.ID, 2)
	inactive.IsActive = false
	repo.SaveStep(context.Background(), inactive)
	s3, _ := svc.SaveStep(context.Background(), testOrg, emailStep(seq.ID, 3))

	first, err := svc.FirstStep(context.Background(), seq.ID)
	if err != nil {
		t.Fatalf("FirstStep() error: %v", err)
	}
	if first.ID != s1.ID {
		t.Errorf("FirstStep() = %s, want %s", first.ID, s1.ID)
	}

	// Inactive step 2 is skipped
	next, err := svc.NextStep(context.Background(), seq.ID, 1)
	if err != nil {
		t.Fatalf("NextStep() error: %v", err)
	}
	if next == nil || next.ID != s3.ID {
		t.Errorf("NextStep(1) = %v, want %s", next, s3.ID)
	}

	end, err := svc.NextStep(context.Background(), seq.ID, 3)
	if err != nil {
		t.Fatalf("NextStep() error: %v", err)
	}
	if end != nil {
		t.Errorf("NextStep(3) = %v, want nil at end of sequence", end)
	}
}

func TestOrgScoping(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	seq := seedSequence(t, repo, domain.SequenceDraft)

	if _, err := svc.Get(context.Background(), "other-org", seq.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() cross-org = %v, want ErrNotFound", err)
	}
	if _, err := svc.SaveStep(context.Background(), "other-org", emailStep(seq.ID, 1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveStep() cross-org = %v, want ErrNotFound", err)
	}
}
