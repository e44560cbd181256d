package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/prepaid/internal/money"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("subscription not found")

const subscriptionColumns = `id, tenant_id, service_type, sub_service, active, cost_per_call, created_at`

// Store provides read access to entitlements plus the upsert used for seeding.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new subscription store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get retrieves the entitlement for a tenant and sub-service.
func (s *Store) Get(ctx context.Context, tenantID, subService string) (*Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = $1 AND sub_service = $2`,
		tenantID, subService,
	))
	if err != nil {
		return nil, fmt.Errorf("getting subscription: %w", err)
	}
	return sub, nil
}

// Upsert creates or replaces the entitlement for the tenant and sub-service.
func (s *Store) Upsert(ctx context.Context, in UpsertInput) (*Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (tenant_id, service_type, sub_service, active, cost_per_call)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, sub_service)
		 DO UPDATE SET service_type = EXCLUDED.service_type,
		               active = EXCLUDED.active,
		               cost_per_call = EXCLUDED.cost_per_call
		 RETURNING `+subscriptionColumns,
		in.TenantID, in.ServiceType, in.SubService, in.Active, int64(in.CostPerCall),
	))
	if err != nil {
		return nil, fmt.Errorf("upserting subscription: %w", err)
	}
	return sub, nil
}

// ListByTenant returns every entitlement of a tenant.
func (s *Store) ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = $1
		 ORDER BY service_type, sub_service`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscription rows: %w", err)
	}
	return subs, nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	sub := &Subscription{}
	var cost int64
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.ServiceType, &sub.SubService, &sub.Active, &cost, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.CostPerCall = money.FromMinor(cost)
	return sub, nil
}
