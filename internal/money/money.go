// Package money provides shared amount parsing, formatting, and split
// arithmetic for the settlement core.
//
// All amounts use 6 decimal places and are stored as big.Int in the
// smallest unit (1.000000 = 1,000,000 units). Amounts cross package
// boundaries as decimal strings and are persisted as NUMERIC(20,6).
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 6 fractional digits is rejected; shorter fractions pad to 6
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Over-precise input would silently lose sub-unit value if truncated;
	// reject it so the caller sees the amount it sent is not representable.
	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Cmp compares two decimal strings. Invalid input counts as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// Add returns a+b as a formatted decimal string.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns a-b as a formatted decimal string.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	return Format(new(big.Int).Sub(av, bv))
}

// Split divides total into two portions by integer percentage.
// The first portion is floor(total * pct / 100); the second is the exact
// remainder, so the two always sum to total with no rounding leakage.
// pct must be in [0, 100].
func Split(total string, pct int) (first, second string, ok bool) {
	if pct < 0 || pct > 100 {
		return "", "", false
	}
	tv, valid := Parse(total)
	if !valid {
		return "", "", false
	}
	f := new(big.Int).Mul(tv, big.NewInt(int64(pct)))
	f.Div(f, big.NewInt(100))
	s := new(big.Int).Sub(tv, f)
	return Format(f), Format(s), true
}

// IsZero reports whether the decimal string parses to zero.
func IsZero(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() == 0
}

// IsPositive reports whether the decimal string parses to a value > 0.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}
