package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// currencyExponents holds the number of decimal places of the minor unit.
// Anything not listed defaults to 2.
var currencyExponents = map[string]int32{
	"VND": 0,
	"IDR": 0,
	"JPY": 0,
	"KRW": 0,
	"USD": 2,
	"EUR": 2,
	"SGD": 2,
}

// CurrencyExponent returns the minor unit exponent for an ISO currency code.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToMinorUnits converts an amount to an integer count of minor units
// (e.g. 999000 VND -> 999000, 12.34 USD -> 1234). Amounts with more precision
// than the currency allows are rejected instead of rounded.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	shifted := amount.Shift(CurrencyExponent(currency))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount.String(), currency)
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -CurrencyExponent(currency))
}

// FormatCurrency renders an amount with '.' thousand separators and ','
// decimals, e.g. 999000 VND -> "999.000 VND", 1234.5 USD -> "1.234,50 USD".
func FormatCurrency(amount decimal.Decimal, currency string) string {
	exp := CurrencyExponent(currency)
	formatted := amount.StringFixed(exp)

	negative := strings.HasPrefix(formatted, "-")
	formatted = strings.TrimPrefix(formatted, "-")

	integerPart, decimalPart, _ := strings.Cut(formatted, ".")

	var groups []string
	for i := len(integerPart); i > 0; i -= 3 {
		start := i - 3
		if start < 0 {
			start = 0
		}
		groups = append([]string{integerPart[start:i]}, groups...)
	}

	result := strings.Join(groups, ".")
	if decimalPart != "" {
		result += "," + decimalPart
	}
	if negative {
		result = "-" + result
	}
	return result + " " + strings.ToUpper(currency)
}
