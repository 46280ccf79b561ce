// Package amount provides shared arbitrary-precision monetary parsing and
// formatting utilities. Amounts are stored as big.Int in the smallest
// unit of their token (e.g. 1 USDC at 6 decimals = 1,000,000 units).
package amount

import (
	"math/big"
	"strings"
)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation at the given number of decimal places.
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to decimals places
func Parse(s string, decimals int) (*big.Int, bool) {
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

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	if combined == "" {
		combined = "0"
	}
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly decimals decimal places (e.g. "1.500000").
func Format(value *big.Int, decimals int) string {
	if value == nil {
		return zeroString(decimals)
	}
	neg := value.Sign() < 0
	abs := new(big.Int).Abs(value)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	if decimals == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

func zeroString(decimals int) string {
	if decimals == 0 {
		return "0"
	}
	return "0." + strings.Repeat("0", decimals)
}
