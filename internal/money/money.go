// Package money holds the fixed-point helpers used wherever an amount is
// scaled by a fractional factor. Amounts are int64 minor currency units;
// every scaling step rounds half-up so results are reproducible.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Minor is an amount in minor currency units (cents, kobo, ...).
type Minor = int64

var ErrOverflow = errors.New("amount does not fit in minor units")

// ScaleHalfUp returns amount*factor rounded half-up to a whole minor unit.
// It is for factors in [0, 1], such as commission rates, where the result
// cannot exceed amount. Anything larger goes through CheckedScaleHalfUp.
func ScaleHalfUp(amount Minor, factor decimal.Decimal) Minor {
	return decimal.NewFromInt(amount).Mul(factor).Round(0).IntPart()
}

// FromDecimal rounds d half-up to a whole minor unit, failing instead of
// wrapping when the result is outside the int64 range.
func FromDecimal(d decimal.Decimal) (Minor, error) {
	r := d.Round(0)
	if !r.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, r.String())
	}
	return r.IntPart(), nil
}

// CheckedScaleHalfUp is ScaleHalfUp with overflow detection.
func CheckedScaleHalfUp(amount Minor, factor decimal.Decimal) (Minor, error) {
	return FromDecimal(decimal.NewFromInt(amount).Mul(factor))
}

// ScaleFloatHalfUp is CheckedScaleHalfUp for a measured quantity such as
// kilometres. The float is converted through its shortest decimal
// representation, so 10.1 is treated as exactly 10.1 and not its binary
// approximation.
func ScaleFloatHalfUp(rate Minor, quantity float64) (Minor, error) {
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return 0, fmt.Errorf("%w: quantity %v", ErrOverflow, quantity)
	}
	return FromDecimal(decimal.NewFromInt(rate).Mul(decimal.NewFromFloat(quantity)))
}

// Sum adds amounts, failing on int64 overflow.
func Sum(amounts ...Minor) (Minor, error) {
	var total Minor
	for _, a := range amounts {
		if (a > 0 && total > math.MaxInt64-a) || (a < 0 && total < math.MinInt64-a) {
			return 0, ErrOverflow
		}
		total += a
	}
	return total, nil
}

// HalfHalfUp divides amount by two rounding half-up.
func HalfHalfUp(amount Minor) Minor {
	return decimal.NewFromInt(amount).Div(decimal.NewFromInt(2)).Round(0).IntPart()
}

// ParseRate parses a rate such as "0.15".
func ParseRate(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	return d, nil
}

// MustRate is ParseRate for constants.
func MustRate(s string) decimal.Decimal {
	d, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return d
}
