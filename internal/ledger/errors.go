package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is returned when a debit would take the balance
	// below zero. It is an expected business outcome, safe to retry after
	// funding.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for non-positive posting amounts.
	ErrInvalidAmount = errors.New("posting amount must be positive")

	// ErrInvariantViolation signals storage corruption: a balance that no
	// longer matches its history, or a record in an impossible state.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	ErrInvalidCursor = errors.New("invalid cursor")
)

func validatePosting(p Posting) error {
	if !p.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if p.Direction != Credit && p.Direction != Debit {
		return fmt.Errorf("unknown direction %q", p.Direction)
	}
	return nil
}
