// Package money provides fixed-point monetary amounts in minor units.
//
// All balances, limits and entry amounts are stored as int64 minor units
// (cents for AUD/USD). Decimal strings are parsed and formatted through
// shopspring/decimal so no float arithmetic ever touches a balance.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of minor-unit digits for all supported currencies.
const Decimals = 2

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrOverflow      = errors.New("amount overflow")
)

// Amount is a signed quantity of minor units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// Parse converts a decimal string ("12.34", "-5", "0.5") to minor units.
// More than two fractional digits is rejected rather than rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if d.Exponent() < -Decimals && !d.Equal(d.Round(Decimals)) {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Decimals)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal major-unit value to minor units.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	minor := d.Shift(Decimals).Round(0)
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, ErrOverflow
	}
	return Amount(minor.IntPart()), nil
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Decimals)
}

// String formats the amount with exactly two decimals ("-400.00").
func (a Amount) String() string {
	return a.Decimal().StringFixed(Decimals)
}

// Abs returns the absolute value.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Neg returns -a.
func (a Amount) Neg() Amount { return -a }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a == 0 }

// IsPositive reports whether the amount is strictly positive.
func (a Amount) IsPositive() bool { return a > 0 }

// Add returns a+b, failing on int64 overflow.
func Add(a, b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b, failing on int64 overflow.
func Sub(a, b Amount) (Amount, error) {
	if b == math.MinInt64 {
		return 0, ErrOverflow
	}
	return Add(a, -b)
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Percent returns pct percent of a, rounded half away from zero to a minor unit.
func Percent(a Amount, pct decimal.Decimal) Amount {
	v := a.Decimal().Mul(pct).Div(decimal.NewFromInt(100))
	out, err := FromDecimal(v)
	if err != nil {
		return 0
	}
	return out
}

// UnmarshalJSON accepts either an integer number of minor units (400)
// or a decimal string in major units ("4.00").
func (a *Amount) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return ErrInvalidAmount
		}
		v, err := Parse(s)
		if err != nil {
			return err
		}
		*a = v
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return ErrInvalidAmount
	}
	*a = Amount(v)
	return nil
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("invalid currency %q", code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("invalid currency %q", code)
		}
	}
	return code, nil
}
