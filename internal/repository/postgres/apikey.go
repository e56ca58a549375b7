package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/outrevo/planemail-engine/internal/auth"
)

// APIKeyRepo implements auth.Repository against PostgreSQL. key_prefix is
// uniquely indexed so verification is a single point lookup.
type APIKeyRepo struct{ db *sql.DB }

// NewAPIKeyRepo creates a Postgres-backed API key repository.
func NewAPIKeyRepo(db *sql.DB) *APIKeyRepo { return &APIKeyRepo{db: db} }

func (r *APIKeyRepo) GetByPrefix(ctx context.Context, prefix string) (*auth.Key, error) {
	k := &auth.Key{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, key_prefix, key_hash,
		       created_at, last_used_at, revoked_at
		FROM api_keys
		WHERE key_prefix = $1
	`, prefix).Scan(&k.ID, &k.OrganizationID, &k.Name, &k.Prefix, &k.Hash,
		&k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (r *APIKeyRepo) Create(ctx context.Context, k *auth.Key) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, organization_id, name, key_prefix, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, k.ID, k.OrganizationID, k.Name, k.Prefix, k.Hash)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (r *APIKeyRepo) Revoke(ctx context.Context, orgID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND revoked_at IS NULL
	`, id, orgID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return auth.ErrKeyNotFound
	}
	return nil
}
