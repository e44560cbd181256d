package subscription

import (
	"time"

	"github.com/alecgard/prepaid/internal/money"
)

// Subscription is a tenant's entitlement to one sub-service.
type Subscription struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	ServiceType string       `json:"service_type"`
	SubService  string       `json:"sub_service"`
	Active      bool         `json:"active"`
	CostPerCall money.Amount `json:"cost_per_call"`
	CreatedAt   time.Time    `json:"created_at"`
}

// UpsertInput holds the fields for creating or replacing an entitlement.
type UpsertInput struct {
	TenantID    string
	ServiceType string
	SubService  string
	Active      bool
	CostPerCall money.Amount
}
