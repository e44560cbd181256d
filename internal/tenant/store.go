package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("tenant not found")

const tenantColumns = `id, name, email, api_key_hash, api_key_prefix, rate_limit, created_at`

// Store provides database operations for tenants.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new tenant store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new tenant and returns the created record.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`INSERT INTO tenants (name, email, api_key_hash, api_key_prefix, rate_limit)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+tenantColumns,
		in.Name, in.Email, in.APIKeyHash, in.APIKeyPrefix, in.RateLimit,
	))
	if err != nil {
		return nil, fmt.Errorf("creating tenant: %w", err)
	}
	return t, nil
}

// GetByID retrieves a tenant by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting tenant by id: %w", err)
	}
	return t, nil
}

// GetByKeyHash retrieves a tenant by its API key hash, used for authentication.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE api_key_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("getting tenant by key hash: %w", err)
	}
	return t, nil
}

// GetByEmail retrieves a tenant by email. Used by seed to stay idempotent.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE email = $1`, email))
	if err != nil {
		return nil, fmt.Errorf("getting tenant by email: %w", err)
	}
	return t, nil
}

// RotateKey replaces the tenant's API key hash and prefix.
func (s *Store) RotateKey(ctx context.Context, id, hash, prefix string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET api_key_hash = $2, api_key_prefix = $3 WHERE id = $1`,
		id, hash, prefix)
	if err != nil {
		return fmt.Errorf("rotating tenant key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	t := &Tenant{}
	err := row.Scan(&t.ID, &t.Name, &t.Email, &t.APIKeyHash, &t.APIKeyPrefix, &t.RateLimit, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
