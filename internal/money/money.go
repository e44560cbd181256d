// Package money implements the fixed-point currency amounts used by the
// ledger. Amounts are stored as integer minor units (kobo for NGN) and
// exchanged with the outside world as major-unit decimals.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultCurrency is the currency every wallet is denominated in.
const DefaultCurrency = "NGN"

// minorExp is the number of fractional digits carried by an Amount.
const minorExp = 2

// ErrPrecision is returned when a decimal has more fractional digits than an
// Amount can represent.
var ErrPrecision = errors.New("amount has more than 2 decimal places")

// Amount is a signed fixed-point amount in minor units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// FromMinor wraps a count of minor units.
func FromMinor(minor int64) Amount {
	return Amount(minor)
}

// FromDecimal converts a major-unit decimal into an Amount.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	shifted := d.Shift(minorExp)
	if !shifted.IsInteger() {
		return 0, ErrPrecision
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return Amount(shifted.IntPart()), nil
}

// Parse parses a major-unit decimal string such as "1000.50".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests. It panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Minor returns the amount in minor units.
func (a Amount) Minor() int64 {
	return int64(a)
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -minorExp)
}

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool {
	return a > 0
}

// String formats the amount in major units with two fractional digits.
func (a Amount) String() string {
	return a.Decimal().StringFixed(minorExp)
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalJSON encodes the amount as a JSON number in major units.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("decoding amount: %w", err)
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalYAML lets config files express amounts as "10" or "10.50".
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	return a.UnmarshalText([]byte(value.Value))
}
