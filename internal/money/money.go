// Package money provides shared amount parsing, formatting, and fee math.
//
// All amounts are stored as int64 in minor units (1 unit = 1 cent), so a
// listing priced at 10.00 is carried through the system as 1000.
package money

import (
	"strconv"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "10.50") to its minor-unit
// representation (1050). Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return result, true
}

// Format converts a minor-unit amount to a human-readable decimal string
// with exactly 2 decimal places (e.g. "10.50").
func Format(amount int64) string {
	neg := amount < 0
	abs := amount
	if neg {
		abs = -abs
	}
	s := strconv.FormatInt(abs, 10)
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

// Fee computes a basis-point fee on an amount, truncating toward zero.
// 500 bps on 1000 yields 50.
func Fee(amount int64, bps int64) int64 {
	return amount * bps / 10000
}
