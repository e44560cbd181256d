package tenant

import (
	"context"

	"github.com/alecgard/prepaid/internal/auth"
)

// AuthAdapter wraps a tenant Store to satisfy auth.TenantLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges tenant.Store to auth.TenantLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up a tenant by API key hash and converts to auth.Tenant.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Tenant, error) {
	t, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &auth.Tenant{
		ID:        t.ID,
		Name:      t.Name,
		RateLimit: t.RateLimit,
	}, nil
}
