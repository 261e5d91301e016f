// Package money implements exact decimal arithmetic for asset amounts.
//
// All deal amounts, deposits and queue item values are decimal strings at
// the owning asset's scale. Rounding is floor, always: the coordinator may
// never pay out or charge more than the computed figure.
package money

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Amount is an exact decimal value. It is an alias so callers get the full
// decimal API without importing the library everywhere.
type Amount = decimal.Decimal

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse parses a decimal string. Negative amounts are rejected; every
// amount in the system is a quantity, not a delta.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("parse amount %q: negative", s)
	}
	return d, nil
}

// MustParse parses a decimal string and panics on error. For static tables
// and tests only.
func MustParse(s string) Amount {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FloorToScale truncates d toward zero at the given number of decimal
// places. 10.0399 at scale 2 is 10.03.
func FloorToScale(d Amount, scale int32) Amount {
	return d.RoundFloor(scale)
}

// BpsShare computes floor(amount * bps / 10_000) at the given scale.
// 10 ALPHA at 30 bps is 0.03 ALPHA.
func BpsShare(amount Amount, bps int64, scale int32) Amount {
	share := amount.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10_000))
	return FloorToScale(share, scale)
}

// Format renders d as a fixed-point string at the given scale without
// rounding up. Stored and displayed amounts are always at asset scale.
func Format(d Amount, scale int32) string {
	return FloorToScale(d, scale).StringFixed(scale)
}

// BaseUnits converts d to integer base units (satoshi, wei, token units)
// for the chain layer. Fails if d has more precision than the asset scale
// allows, so a malformed amount cannot silently lose dust.
func BaseUnits(d Amount, decimals int32) (*big.Int, error) {
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s exceeds scale %d", d.String(), decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts integer base units back to a decimal amount.
func FromBaseUnits(units *big.Int, decimals int32) Amount {
	return decimal.NewFromBigInt(units, -decimals)
}

// Sum adds a slice of amounts.
func Sum(amounts ...Amount) Amount {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
