package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitDigits is the number of fractional digits for every supported currency.
const MinorUnitDigits = 2

var minorUnitScale = decimal.New(1, MinorUnitDigits)

// ParseAmount converts a major-unit decimal string ("1000", "12.50") into minor units.
// Fractions finer than one minor unit are rejected rather than rounded.
func ParseAmount(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, raw)
	}
	minor := value.Mul(minorUnitScale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, raw, MinorUnitDigits)
	}
	if !minor.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if !minor.LessThanOrEqual(decimal.NewFromInt(1 << 53)) {
		return 0, fmt.Errorf("%w: %q is too large", ErrInvalidAmount, raw)
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units as a fixed two-decimal major-unit string.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -MinorUnitDigits).StringFixed(MinorUnitDigits)
}
