package txlog

import (
	"encoding/json"
	"time"

	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
)

// State is the lifecycle state of a metering transaction.
type State string

const (
	StatePending    State = "pending"
	StateSuccessful State = "successful"
	StateTokenized  State = "tokenized"
	StateFailed     State = "failed"
)

// Terminal reports whether no further finalize can apply to s.
func (s State) Terminal() bool {
	return s != StatePending
}

// Purpose says which way money moves when the transaction succeeds.
type Purpose string

const (
	PurposeFunding      Purpose = "funding"
	PurposeConsumption  Purpose = "consumption"
	PurposeTokenization Purpose = "tokenization"
)

// Provider is the external counterparty of a transaction.
type Provider string

const (
	ProviderFlutterwave Provider = "flutterwave"
	ProviderPaystack    Provider = "paystack"
	ProviderTelegram    Provider = "telegram"
	ProviderMobishastra Provider = "mobishastra"
	ProviderWhatsApp    Provider = "whatsapp"
	ProviderKYC         Provider = "kyc"
	ProviderEmail       Provider = "email_service"
	ProviderManual      Provider = "manual"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderFlutterwave, ProviderPaystack, ProviderTelegram, ProviderMobishastra,
		ProviderWhatsApp, ProviderKYC, ProviderEmail, ProviderManual:
		return true
	}
	return false
}

// transitions lists every edge of the state machine. successful -> failed
// exists only for compensating a consumption charge.
var transitions = map[State][]State{
	StatePending:    {StateSuccessful, StateFailed, StateTokenized},
	StateTokenized:  {StateFailed},
	StateSuccessful: {StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transaction is one chargeable or funding attempt, keyed by Reference.
type Transaction struct {
	ID              string          `json:"id"`
	Reference       string          `json:"reference"`
	TenantID        string          `json:"tenant_id"`
	Purpose         Purpose         `json:"purpose"`
	Provider        Provider        `json:"provider"`
	Amount          money.Amount    `json:"amount"`
	Currency        string          `json:"currency"`
	State           State           `json:"state"`
	ServiceCategory string          `json:"service_category,omitempty"`
	SubCategory     string          `json:"sub_category,omitempty"`
	Description     string          `json:"description"`
	Authorization   string          `json:"-"`
	RawPayload      json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TransitionInput is a guarded state change. It applies only when the record
// is currently in one of From. When Posting is set it is applied to the
// record's tenant in the same atomic operation; if the posting fails the
// transition does not happen.
type TransitionInput struct {
	Reference     string
	From          []State
	To            State
	Payload       json.RawMessage
	Authorization string
	Posting       *ledger.Posting
}

// TransitionResult reports whether the guarded update matched.
type TransitionResult struct {
	Applied     bool
	Transaction *Transaction
	Ledger      *ledger.Applied
}

// Query filters and paginates transactions, newest first.
type Query struct {
	TenantID string
	Purpose  Purpose
	State    State
	Cursor   string
	Limit    int
}

// UsageQuery selects successful consumption records for usage reports.
// Zero From or To leaves that side of the window open; To is exclusive.
type UsageQuery struct {
	TenantID        string
	ServiceCategory string
	From            time.Time
	To              time.Time
}

// Usage counts billed calls and what they cost.
type Usage struct {
	Calls int64        `json:"calls"`
	Spent money.Amount `json:"spent"`
}

// SubServiceUsage is Usage for one sub-service.
type SubServiceUsage struct {
	SubService string `json:"sub_service"`
	Usage
}

// unknownSubService labels records metered without a sub-service.
const unknownSubService = "unknown"

// PeriodStarts returns the UTC start of the day, the week (Monday) and the
// month containing now.
func PeriodStarts(now time.Time) (day, week, month time.Time) {
	now = now.UTC()
	day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	week = day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	month = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return day, week, month
}
