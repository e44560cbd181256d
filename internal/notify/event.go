package notify

import (
	"time"

	"github.com/alecgard/prepaid/internal/money"
)

// Kind names a notification event.
type Kind string

const (
	KindCredited   Kind = "credited"
	KindDebited    Kind = "debited"
	KindRefunded   Kind = "refunded"
	KindFunded     Kind = "funded"
	KindLowBalance Kind = "low_balance"
)

// Event is published after a ledger mutation has committed.
type Event struct {
	Kind        Kind         `json:"kind"`
	TenantID    string       `json:"tenant_id"`
	Balance     money.Amount `json:"balance"`
	Delta       money.Amount `json:"delta"`
	Threshold   money.Amount `json:"threshold,omitempty"`
	Reference   string       `json:"reference,omitempty"`
	Description string       `json:"description,omitempty"`
	At          time.Time    `json:"at"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
