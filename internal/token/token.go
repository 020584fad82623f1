// Package token converts human-readable token amounts to and from
// minor units (the integer representation the escrow contract expects).
package token

import (
	"fmt"
	"math/big"
	"strings"
)

// DefaultDecimals is used when a token's decimals cannot be resolved
// on-chain. PYUSD, USDC and USDT all use 6.
const DefaultDecimals = 6

// Parse converts a decimal string like "100.50" into minor units,
// e.g. 100500000 at 6 decimals. Fractional digits beyond the token's
// precision are rejected rather than silently truncated.
func Parse(amount string, decimals uint8) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	parts := strings.Split(amount, ".")

	var whole, frac string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole = parts[0]
		frac = parts[1]
	default:
		return nil, fmt.Errorf("invalid amount format")
	}

	// SetString accepts signs, so both parts must be digits-only up front;
	// "100.-5" or "+1.00" are malformed, not negative or positive amounts.
	if !isDigits(whole) {
		return nil, fmt.Errorf("invalid whole number")
	}
	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid whole number")
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if frac != "" {
		if !isDigits(frac) {
			return nil, fmt.Errorf("invalid decimal number")
		}
		if len(frac) > int(decimals) {
			return nil, fmt.Errorf("amount has more than %d decimal places", decimals)
		}
		for len(frac) < int(decimals) {
			frac += "0"
		}
		fracBig, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal number")
		}
		result.Add(result, fracBig)
	}

	return result, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Format converts minor units back to a human-readable decimal string.
func Format(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	return fmt.Sprintf("%s.%0*d", whole.String(), decimals, remainder.Int64())
}
