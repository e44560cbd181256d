package settlement

import (
	"encoding/json"
	"errors"

	"github.com/alecgard/prepaid/internal/ledger"
	"github.com/alecgard/prepaid/internal/money"
	"github.com/alecgard/prepaid/internal/txlog"
)

var (
	// ErrNotCompensable is returned when a reversal is requested for a
	// record that never took money from the tenant.
	ErrNotCompensable = errors.New("transaction cannot be compensated")

	// ErrReferenceConflict is returned when a caller reuses a reference that
	// belongs to a different tenant or purpose.
	ErrReferenceConflict = errors.New("reference belongs to another transaction")

	// ErrChargeFailed is returned when a charge is retried under a reference
	// whose record already failed. Failed is terminal, so the retry needs a
	// new reference.
	ErrChargeFailed = errors.New("charge already failed under this reference, retry with a new reference")

	ErrInvalidOutcome = errors.New("outcome must be successful or failed")
)

// Config is the engine's explicit configuration.
type Config struct {
	// LowBalanceThreshold is the balance at or below which a low_balance
	// event fires. Zero disables the alert.
	LowBalanceThreshold money.Amount
}

// Result reports what a guarded operation did. Applied=false means another
// caller already handled the reference; it is not an error.
type Result struct {
	Applied     bool               `json:"applied"`
	Transaction *txlog.Transaction `json:"transaction,omitempty"`
	Ledger      *ledger.Applied    `json:"-"`
}

// Balance is the wallet balance after the operation, if it posted.
func (r *Result) Balance() (money.Amount, bool) {
	if r == nil || r.Ledger == nil {
		return 0, false
	}
	return r.Ledger.Wallet.Balance, true
}

// FinalizeInput identifies a pending record and its terminal outcome.
type FinalizeInput struct {
	Reference string
	Outcome   txlog.State
	Payload   json.RawMessage
}

// OpenInput describes a new pending record.
type OpenInput struct {
	Reference       string
	TenantID        string
	Purpose         txlog.Purpose
	Provider        txlog.Provider
	Amount          money.Amount
	Currency        string
	ServiceCategory string
	SubCategory     string
	Description     string
	Payload         json.RawMessage
}

// ChargeInput describes a metered action that has already been delivered.
type ChargeInput struct {
	Reference       string
	TenantID        string
	Provider        txlog.Provider
	Amount          money.Amount
	ServiceCategory string
	SubCategory     string
	Description     string
	Payload         json.RawMessage
}
