package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/service/sequence"
)

// SequenceRepo implements sequence.Repository against PostgreSQL.
type SequenceRepo struct{ db *sql.DB }

// NewSequenceRepo creates a Postgres-backed sequence repository.
func NewSequenceRepo(db *sql.DB) *SequenceRepo { return &SequenceRepo{db: db} }

const sequenceCols = `
	id, organization_id, name, status, trigger_type,
	COALESCE(trigger_config, '{}'), COALESCE(settings, '{}'),
	total_entered, total_completed, total_exited, total_failed,
	created_at, updated_at`

func scanSequence(row interface{ Scan(...interface{}) error }) (*domain.Sequence, error) {
	s := &domain.Sequence{}
	var triggerCfg, settings []byte
	err := row.Scan(
		&s.ID, &s.OrganizationID, &s.Name, &s.Status, &s.TriggerType,
		&triggerCfg, &settings,
		&s.TotalEntered, &s.TotalCompleted, &s.TotalExited, &s.TotalFailed,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.TriggerConfig = triggerCfg
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &s.Settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	return s, nil
}

func (r *SequenceRepo) Get(ctx context.Context, orgID, id string) (*domain.Sequence, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sequenceCols+`
		FROM sequences
		WHERE id = $1 AND organization_id = $2
	`, id, orgID)
	s, err := scanSequence(row)
	if err == sql.ErrNoRows {
		return nil, sequence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	return s, nil
}

func (r *SequenceRepo) GetByID(ctx context.Context, id string) (*domain.Sequence, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sequenceCols+`
		FROM sequences
		WHERE id = $1
	`, id)
	s, err := scanSequence(row)
	if err == sql.ErrNoRows {
		return nil, sequence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	return s, nil
}

func (r *SequenceRepo) List(ctx context.Context, orgID string, f sequence.ListFilter) ([]domain.Sequence, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM sequences WHERE organization_id = $1`
	countArgs := []interface{}{orgID}
	idx := 2
	if f.Status != "" {
		countQ += fmt.Sprintf(" AND status = $%d", idx)
		countArgs = append(countArgs, f.Status)
		idx++
	}
	if f.Search != "" {
		countQ += fmt.Sprintf(" AND name ILIKE $%d", idx)
		countArgs = append(countArgs, "%"+f.Search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sequences: %w", err)
	}

	q := `SELECT ` + sequenceCols + ` FROM sequences WHERE organization_id = $1`
	args := []interface{}{orgID}
	qIdx := 2
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", qIdx)
		args = append(args, f.Status)
		qIdx++
	}
	if f.Search != "" {
		q += fmt.Sprintf(" AND name ILIKE $%d", qIdx)
		args = append(args, "%"+f.Search+"%")
		qIdx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", qIdx, qIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var out []domain.Sequence
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan sequence: %w", err)
		}
		out = append(out, *s)
	}
	return out, total, nil
}

func (r *SequenceRepo) Create(ctx context.Context, s *domain.Sequence) (string, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}
	triggerCfg := []byte(s.TriggerConfig)
	if len(triggerCfg) == 0 {
		triggerCfg = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sequences
			(id, organization_id, name, status, trigger_type, trigger_config,
			 settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, s.ID, s.OrganizationID, s.Name, s.Status, s.TriggerType, triggerCfg, settings)
	if err != nil {
		return "", fmt.Errorf("create sequence: %w", err)
	}
	return s.ID, nil
}

func (r *SequenceRepo) Update(ctx context.Context, orgID, id string, u sequence.UpdateFields) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.TriggerType != nil {
		add("trigger_type", *u.TriggerType)
	}
	if u.TriggerConfig != nil {
		add("trigger_config", *u.TriggerConfig)
	}
	if u.Settings != nil {
		settings, err := json.Marshal(*u.Settings)
		if err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
		add("settings", settings)
	}

	if len(sets) == 0 {
		return nil
	}

	q := fmt.Sprintf("UPDATE sequences SET %s, updated_at = NOW() WHERE id = $%d AND organization_id = $%d",
		joinComma(sets), idx, idx+1)
	args = append(args, id, orgID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sequence.ErrNotFound
	}
	return nil
}

func (r *SequenceRepo) UpdateStatus(ctx context.Context, orgID, id string, status domain.SequenceStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sequences SET status = $1, updated_at = NOW()
		WHERE id = $2 AND organization_id = $3
	`, status, id, orgID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sequence.ErrNotFound
	}
	return nil
}

func (r *SequenceRepo) CountActiveEnrollments(ctx context.Context, sequenceID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sequence_enrollments
		WHERE sequence_id = $1 AND status = 'active'
	`, sequenceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return n, nil
}

func (r *SequenceRepo) CountEnrollmentsOnStep(ctx context.Context, stepID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sequence_enrollments
		WHERE current_step_id = $1 AND status = 'active'
	`, stepID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count enrollments on step: %w", err)
	}
	return n, nil
}

const stepCols = `id, sequence_id, type, step_order, config, is_active, created_at, updated_at`

func scanStep(row interface{ Scan(...interface{}) error }) (*domain.Step, error) {
	st := &domain.Step{}
	var config []byte
	err := row.Scan(&st.ID, &st.SequenceID, &st.Type, &st.StepOrder, &config,
		&st.IsActive, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &st.Config); err != nil {
			return nil, fmt.Errorf("decode step config: %w", err)
		}
	}
	return st, nil
}

func (r *SequenceRepo) GetStep(ctx context.Context, stepID string) (*domain.Step, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+stepCols+` FROM sequence_steps WHERE id = $1
	`, stepID)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, sequence.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

func (r *SequenceRepo) ListSteps(ctx context.Context, sequenceID string) ([]domain.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepCols+` FROM sequence_steps
		WHERE sequence_id = $1
		ORDER BY step_order ASC
	`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []domain.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, *st)
	}
	return out, nil
}

func (r *SequenceRepo) SaveStep(ctx context.Context, step *domain.Step) (string, error) {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	config, err := json.Marshal(step.Config)
	if err != nil {
		return "", fmt.Errorf("encode step config: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sequence_steps
			(id, sequence_id, type, step_order, config, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			step_order = EXCLUDED.step_order,
			config = EXCLUDED.config,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`, step.ID, step.SequenceID, step.Type, step.StepOrder, config, step.IsActive)
	if err != nil {
		return "", fmt.Errorf("save step: %w", err)
	}
	return step.ID, nil
}

func (r *SequenceRepo) DeleteStep(ctx context.Context, stepID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sequence_steps WHERE id = $1`, stepID)
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sequence.ErrStepNotFound
	}
	return nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
