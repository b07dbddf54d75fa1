// Package money provides shared amount parsing and formatting utilities.
//
// All amounts are stored as int64 in minor units (1.00 = 100 cents).
// Contracts and milestones carry minor-unit integers end to end; decimal
// strings appear only at the API boundary.
package money

import (
	"errors"
	"fmt"
	"strings"
)

const Decimals = 2

var (
	ErrInvalidAmount  = errors.New("money: invalid amount")
	ErrNegativeAmount = errors.New("money: amount must not be negative")
)

// Parse converts a decimal string (e.g. "400.00") to minor units (40000).
//
// Rules:
//   - Empty string parses to 0
//   - Negative amounts are rejected
//   - More than one decimal point is rejected
//   - Fractional parts longer than 2 digits are rejected (no silent rounding)
func Parse(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegativeAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, ErrInvalidAmount
	}
	if len(frac) > Decimals {
		return 0, ErrInvalidAmount
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var v int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, ErrInvalidAmount
		}
		d := int64(c - '0')
		if v > (1<<62)/10 {
			return 0, ErrInvalidAmount
		}
		v = v*10 + d
	}
	return v, nil
}

// MustParse is Parse for trusted literals in tests and defaults.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic("money: " + s + ": " + err.Error())
	}
	return v
}

// Format converts minor units to a decimal string with exactly 2 decimal
// places (40000 -> "400.00").
func Format(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%03d", v)
	out := s[:len(s)-Decimals] + "." + s[len(s)-Decimals:]
	if neg {
		out = "-" + out
	}
	return out
}

// Split divides amount into a share of pct percent and the remainder.
// Integer division truncates toward the remainder, so share+rest == amount
// always holds exactly.
func Split(amount int64, pct int) (share, rest int64) {
	if pct <= 0 {
		return 0, amount
	}
	if pct >= 100 {
		return amount, 0
	}
	share = amount * int64(pct) / 100
	return share, amount - share
}
