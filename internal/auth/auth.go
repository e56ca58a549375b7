// Package auth implements API key verification for the engine's operator
// API. Keys look like pm_<prefix>_<secret>; only a hash of the full key is
// stored. Lookup is by the short prefix (indexed), then the hash of the
// presented key is compared against the stored hash in constant time, so
// verification cost does not grow with the number of issued keys.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/outrevo/planemail-engine/internal/pkg/httputil"
)

// Sentinel errors for key verification.
var (
	ErrInvalidKey  = errors.New("invalid api key")
	ErrKeyRevoked  = errors.New("api key revoked")
	ErrKeyNotFound = errors.New("api key not found")
)

const (
	keyNamespace = "pm"
	prefixLen    = 8
	secretLen    = 32
)

// Key is an issued API key. The secret itself is never stored.
type Key struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Prefix         string     `json:"prefix"`
	Hash           string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at"`
	RevokedAt      *time.Time `json:"revoked_at"`
}

// Repository is the key store contract.
type Repository interface {
	// GetByPrefix returns the key with the given prefix.
	// Returns ErrKeyNotFound if absent.
	GetByPrefix(ctx context.Context, prefix string) (*Key, error)

	// Create persists a new key.
	Create(ctx context.Context, k *Key) error

	// TouchLastUsed records a successful use. Best effort.
	TouchLastUsed(ctx context.Context, id string) error

	// Revoke marks a key revoked.
	Revoke(ctx context.Context, orgID, id string) error
}

// Service issues and verifies API keys.
type Service struct {
	repo Repository
}

// NewService creates a key service.
func NewService(repo Repository) *Service { return &Service{repo: repo} }

// Generate issues a new key for an organization. The raw key is returned
// exactly once; only its hash is stored.
func (s *Service) Generate(ctx context.Context, orgID, name string) (string, *Key, error) {
	prefix, err := randomToken(prefixLen)
	if err != nil {
		return "", nil, err
	}
	secret, err := randomToken(secretLen)
	if err != nil {
		return "", nil, err
	}
	raw := fmt.Sprintf("%s_%s_%s", keyNamespace, prefix, secret)

	k := &Key{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Name:           name,
		Prefix:         prefix,
		Hash:           hashKey(raw),
	}
	if err := s.repo.Create(ctx, k); err != nil {
		return "", nil, err
	}
	return raw, k, nil
}

// Verify checks a presented key and returns its record.
func (s *Service) Verify(ctx context.Context, raw string) (*Key, error) {
	prefix, ok := parsePrefix(raw)
	if !ok {
		return nil, ErrInvalidKey
	}

	k, err := s.repo.GetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	if k.RevokedAt != nil {
		return nil, ErrKeyRevoked
	}

	if subtle.ConstantTimeCompare([]byte(hashKey(raw)), []byte(k.Hash)) != 1 {
		return nil, ErrInvalidKey
	}

	if err := s.repo.TouchLastUsed(ctx, k.ID); err == nil {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return k, nil
}

// Revoke marks a key revoked.
func (s *Service) Revoke(ctx context.Context, orgID, id string) error {
	return s.repo.Revoke(ctx, orgID, id)
}

func parsePrefix(raw string) (string, bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != keyNamespace {
		return "", false
	}
	if len(parts[1]) != prefixLen || len(parts[2]) != secretLen {
		return "", false
	}
	return parts[1], true
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	// hex doubles length, so read n/2 bytes
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b)[:n], nil
}

type contextKey struct{}

// WithOrg returns a context carrying the organization id. Used by the API
// router when key auth is disabled.
func WithOrg(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, contextKey{}, orgID)
}

// OrgFromContext returns the organization id set by Middleware.
func OrgFromContext(ctx context.Context) string {
	v, _ := ctx.Value(contextKey{}).(string)
	return v
}

// Middleware authenticates requests with a Bearer API key and stamps the
// organization id into the request context.
func Middleware(s *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				httputil.Unauthorized(w, "missing api key")
				return
			}

			k, err := s.Verify(r.Context(), raw)
			if err != nil {
				httputil.Unauthorized(w, "invalid api key")
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, k.OrganizationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
