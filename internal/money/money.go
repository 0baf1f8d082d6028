package money

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Exponent returns the number of decimal places carried by the currency.
// West-African franc amounts are whole numbers; everything else uses two
// decimal places.
func Exponent(currency string) int {
	if strings.EqualFold(strings.TrimSpace(currency), "XOF") {
		return 0
	}
	return 2
}

// Format renders an amount held in minor units the way provider APIs expect
// it: "5000" for XOF, "50.00" for two-decimal currencies.
func Format(minor int64, currency string) string {
	exp := Exponent(currency)
	if exp == 0 {
		return strconv.FormatInt(minor, 10)
	}
	scale := int64(math.Pow10(exp))
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%0*d", sign, minor/scale, exp, minor%scale)
}

// Parse converts a provider-reported amount string into minor units,
// applying the currency's rounding rules. Empty input parses to zero so
// callers can treat "amount absent" uniformly.
func Parse(value, currency string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	exp := Exponent(currency)
	if !strings.Contains(trimmed, ".") {
		units, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("money: parse %q: %w", value, err)
		}
		return units * int64(math.Pow10(exp)), nil
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", value, err)
	}
	return int64(math.Round(f * math.Pow10(exp))), nil
}

// Equal reports whether a provider-reported amount matches the recorded one
// after currency rounding.
func Equal(recordedMinor int64, reported, currency string) (bool, error) {
	parsed, err := Parse(reported, currency)
	if err != nil {
		return false, err
	}
	return parsed == recordedMinor, nil
}
