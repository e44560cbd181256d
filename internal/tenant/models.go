package tenant

import "time"

// Tenant is an account holder with its own wallet and subscriptions.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	APIKeyHash   string    `json:"-"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	RateLimit    int       `json:"rate_limit"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateInput holds the fields for creating a tenant.
type CreateInput struct {
	Name         string
	Email        string
	APIKeyHash   string
	APIKeyPrefix string
	RateLimit    int
}
