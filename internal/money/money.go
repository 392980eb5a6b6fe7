// Package money holds the fixed-point conventions for reward amounts.
// Every amount has 6 decimal places; storage and the chain carry integer
// micro-units.
package money

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits in the unit of account.
const Decimals = 6

// FromMicros converts integer micro-units to an amount.
func FromMicros(micros int64) decimal.Decimal {
	return decimal.New(micros, -Decimals)
}

// ToMicros converts an amount to micro-units, truncating anything finer.
func ToMicros(d decimal.Decimal) int64 {
	return d.Shift(Decimals).Truncate(0).IntPart()
}

// FromBaseUnits converts an on-chain uint256 micro-unit value.
func FromBaseUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Decimals)
}

// Parse reads a decimal string such as "10.00" and rejects negatives and
// values with more than Decimals fractional digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %q must not be negative", s)
	}
	if !d.Equal(d.Truncate(Decimals)) {
		return decimal.Zero, fmt.Errorf("amount %q has more than %d decimal places", s, Decimals)
	}
	return d, nil
}

// Format renders an amount with exactly two decimal places when no precision
// is lost, and with all six otherwise.
func Format(d decimal.Decimal) string {
	if d.Equal(d.Truncate(2)) {
		return d.StringFixed(2)
	}
	return d.StringFixed(Decimals)
}
