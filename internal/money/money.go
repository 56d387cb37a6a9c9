// Package money parses and formats decimal currency amounts.
//
// Amounts travel as decimal strings ("1250.00") and are computed as big.Int
// in minor units (1 unit = 1 cent), which is also what the payment network
// expects on the wire.
package money

import (
	"errors"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits carried by an amount.
const Decimals = 2

var ErrInvalidAmount = errors.New("invalid amount")

// Parse converts a decimal string (e.g. "12.5") to minor units (1250).
// Returns (nil, false) on invalid input.
//
// Empty input parses as zero. Negative amounts, more than one decimal point
// and more than two fractional digits are rejected.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || len(frac) > Decimals {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || result.Sign() < 0 {
		return nil, false
	}
	return result, true
}

// MustParse is Parse for trusted constants; it panics on invalid input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return v
}

// Format converts minor units to a decimal string with exactly two
// fractional digits (e.g. 1250 -> "12.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Normalize re-formats a decimal string into canonical two-digit form.
func Normalize(s string) (string, error) {
	v, ok := Parse(s)
	if !ok {
		return "", ErrInvalidAmount
	}
	return Format(v), nil
}

// MinorUnits returns the amount as an int64 count of cents.
func MinorUnits(s string) (int64, error) {
	v, ok := Parse(s)
	if !ok || !v.IsInt64() {
		return 0, ErrInvalidAmount
	}
	return v.Int64(), nil
}

// IsPositive reports whether s parses to an amount greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Sum adds decimal strings. Invalid inputs make the whole sum invalid.
func Sum(amounts ...string) (*big.Int, bool) {
	total := new(big.Int)
	for _, a := range amounts {
		v, ok := Parse(a)
		if !ok {
			return nil, false
		}
		total.Add(total, v)
	}
	return total, true
}
