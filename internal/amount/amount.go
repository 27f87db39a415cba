// Package amount converts between decimal token amounts and integer base units.
package amount

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/dexroute/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ToBaseUnits parses a decimal string such as "1.5" into base units for a
// token with the given decimals. Precision beyond decimals is rejected.
func ToBaseUnits(decimal string, decimals int) (*big.Int, error) {
	clean := strings.TrimSpace(decimal)
	if clean == "" {
		return nil, clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	if !decimalPattern.MatchString(clean) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q must be in decimal form like 1.23", decimal))
	}
	parts := strings.SplitN(clean, ".", 2)
	intPart, fracPart := parts[0], ""
	if len(parts) == 2 {
		fracPart = strings.TrimRight(parts[1], "0")
	}
	if len(fracPart) > decimals {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount precision exceeds token decimals (%d)", decimals))
	}
	combined := strings.TrimLeft(intPart+fracPart+strings.Repeat("0", decimals-len(fracPart)), "0")
	if combined == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	return out, nil
}

// Positive is ToBaseUnits that also rejects zero.
func Positive(decimal string, decimals int) (*big.Int, error) {
	v, err := ToBaseUnits(decimal, decimals)
	if err != nil {
		return nil, err
	}
	if v.Sign() == 0 {
		return nil, clierr.New(clierr.CodeUsage, "amount must be greater than zero")
	}
	return v, nil
}

// Format renders base units as a trimmed decimal string.
func Format(baseUnits *big.Int, decimals int) string {
	if baseUnits == nil {
		return "0"
	}
	s := baseUnits.String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if decimals > 0 {
		if len(s) <= decimals {
			s = strings.Repeat("0", decimals-len(s)+1) + s
		}
		intPart, fracPart := s[:len(s)-decimals], strings.TrimRight(s[len(s)-decimals:], "0")
		s = intPart
		if fracPart != "" {
			s += "." + fracPart
		}
	}
	if neg {
		return "-" + s
	}
	return s
}

// Normalize trims redundant zeros from a decimal string.
func Normalize(decimal string, decimals int) (string, error) {
	v, err := ToBaseUnits(decimal, decimals)
	if err != nil {
		return "", err
	}
	return Format(v, decimals), nil
}
