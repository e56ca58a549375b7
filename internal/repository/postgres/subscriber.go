package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/executor"
)

// SubscriberRepo reads the subscriber read model. The wider platform writes
// this table; the engine only reads it.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a Postgres-backed subscriber reader.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

func (r *SubscriberRepo) Get(ctx context.Context, id string) (*domain.Subscriber, error) {
	s := &domain.Subscriber{}
	var custom []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, email, COALESCE(first_name, ''),
		       COALESCE(last_name, ''), status, COALESCE(custom_fields, '{}'),
		       engagement_score, total_opens, total_clicks,
		       last_open_at, last_click_at, created_at, updated_at
		FROM subscribers
		WHERE id = $1
	`, id).Scan(
		&s.ID, &s.OrganizationID, &s.Email, &s.FirstName, &s.LastName,
		&s.Status, &custom, &s.EngagementScore, &s.TotalOpens, &s.TotalClicks,
		&s.LastOpenAt, &s.LastClickAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, executor.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &s.CustomFields); err != nil {
			return nil, fmt.Errorf("decode custom fields: %w", err)
		}
	}
	return s, nil
}
