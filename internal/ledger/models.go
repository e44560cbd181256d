package ledger

import (
	"time"

	"github.com/alecgard/prepaid/internal/money"
)

// Direction is the sign of a ledger entry.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Kind tags why an entry was posted. It is informational only; every kind
// obeys the same balance invariant.
type Kind string

const (
	KindFunding     Kind = "funding"
	KindConsumption Kind = "consumption"
	KindRefund      Kind = "refund"
	KindAdjustment  Kind = "adjustment"
)

// Wallet is the materialized balance of one tenant.
type Wallet struct {
	TenantID  string       `json:"tenant_id"`
	Balance   money.Amount `json:"balance"`
	Currency  string       `json:"currency"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

// Entry is one immutable line of a wallet's history.
type Entry struct {
	ID           string       `json:"id"`
	Seq          int64        `json:"seq"`
	TenantID     string       `json:"tenant_id"`
	Direction    Direction    `json:"direction"`
	Kind         Kind         `json:"kind"`
	Amount       money.Amount `json:"amount"`
	Description  string       `json:"description"`
	Reference    string       `json:"reference,omitempty"`
	BalanceAfter money.Amount `json:"balance_after"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Signed returns the entry amount with the sign of its direction.
func (e *Entry) Signed() money.Amount {
	if e.Direction == Debit {
		return -e.Amount
	}
	return e.Amount
}

// Posting describes a single balance mutation requested from a Store.
type Posting struct {
	Direction   Direction
	Kind        Kind
	Amount      money.Amount
	Description string
	Reference   string
}

// Applied is the outcome of a successful posting.
type Applied struct {
	Wallet   Wallet
	Entry    Entry
	Previous money.Amount
}

// Delta returns the signed change the posting made to the balance.
func (a *Applied) Delta() money.Amount {
	return a.Wallet.Balance - a.Previous
}

// HistoryQuery selects a page of a tenant's history, newest first.
type HistoryQuery struct {
	TenantID string
	Cursor   string
	Limit    int
}

// AuditReport compares the materialized balance with the sum of history.
type AuditReport struct {
	TenantID   string       `json:"tenant_id"`
	Balance    money.Amount `json:"balance"`
	Computed   money.Amount `json:"computed"`
	EntryCount int64        `json:"entry_count"`
}

// Consistent reports whether the balance matches its history.
func (r *AuditReport) Consistent() bool {
	return r.Balance == r.Computed
}
