// Package admission answers whether a tenant may start a metered action.
// Decisions are advisory: the debit made after the action re-checks funds
// atomically.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/prepaid/internal/config"
	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/subscription"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNotSubscribed     Reason = "not_subscribed"
	ReasonInsufficientFunds Reason = "insufficient_funds"
)

// Decision is the outcome of CanConsume.
type Decision struct {
	Allowed     bool         `json:"allowed"`
	Reason      Reason       `json:"reason,omitempty"`
	ServiceType string       `json:"service_type,omitempty"`
	SubService  string       `json:"sub_service"`
	Cost        money.Amount `json:"cost"`
	Balance     money.Amount `json:"balance"`
}

// SubscriptionLookup is the interface for reading entitlements.
type SubscriptionLookup interface {
	Get(ctx context.Context, tenantID, subService string) (*subscription.Subscription, error)
}

// WalletReader is the interface for reading the current balance.
type WalletReader interface {
	Wallet(ctx context.Context, tenantID string) (*ledger.Wallet, error)
}

// MetricsRecorder is an optional interface for counting denials.
type MetricsRecorder interface {
	IncAdmissionDenial(reason string)
}

// Checker combines entitlement and balance into a Decision.
type Checker struct {
	subs    SubscriptionLookup
	wallets WalletReader
	catalog config.Catalog
	metrics MetricsRecorder
}

// NewChecker creates a checker. The catalog supplies the cost of
// subscriptions that do not carry their own.
func NewChecker(subs SubscriptionLookup, wallets WalletReader, catalog config.Catalog) *Checker {
	return &Checker{subs: subs, wallets: wallets, catalog: catalog}
}

// SetMetrics sets the optional metrics recorder.
func (c *Checker) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// CanConsume reports whether tenantID may consume one call of subService.
// It has no side effects.
func (c *Checker) CanConsume(ctx context.Context, tenantID, subService string) (Decision, error) {
	d := Decision{SubService: subService}

	sub, err := c.subs.Get(ctx, tenantID, subService)
	if err != nil && !errors.Is(err, subscription.ErrNotFound) {
		return d, fmt.Errorf("checking subscription: %w", err)
	}
	if sub == nil || !sub.Active {
		return c.deny(d, ReasonNotSubscribed), nil
	}
	d.ServiceType = sub.ServiceType

	d.Cost = sub.CostPerCall
	if d.Cost <= 0 {
		cost, svc, ok := c.catalog.Cost(subService)
		if !ok {
			return c.deny(d, ReasonNotSubscribed), nil
		}
		d.Cost = cost
		if d.ServiceType == "" {
			d.ServiceType = svc
		}
	}

	w, err := c.wallets.Wallet(ctx, tenantID)
	if err != nil {
		return d, fmt.Errorf("reading wallet: %w", err)
	}
	d.Balance = w.Balance

	if d.Balance < d.Cost {
		return c.deny(d, ReasonInsufficientFunds), nil
	}
	d.Allowed = true
	return d, nil
}

func (c *Checker) deny(d Decision, reason Reason) Decision {
	d.Allowed = false
	d.Reason = reason
	if c.metrics != nil {
		c.metrics.IncAdmissionDenial(string(reason))
	}
	return d
}
