package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY - ISO-4217 code with minor unit
// =============================================================================

// Currency is an upper-case ISO-4217 code.
type Currency string

// minorUnits lists currencies whose exponent differs from the default of 2.
// IRR is quoted in whole rials by every booking channel we settle against.
var minorUnits = map[Currency]int32{
	"IRR": 0,
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"JOD": 3,
	"IQD": 3,
}

const defaultMinorUnit int32 = 2

// ParseCurrency normalizes and validates a currency code.
func ParseCurrency(s string) (Currency, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, s)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, s)
		}
	}
	return Currency(code), nil
}

// MinorUnit returns the number of decimal places of the currency.
func (c Currency) MinorUnit() int32 {
	if e, ok := minorUnits[c]; ok {
		return e
	}
	return defaultMinorUnit
}

// Round rounds half-up (away from zero) to the currency's minor unit.
func (c Currency) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(c.MinorUnit())
}

// Representable reports whether d has no precision below the minor unit.
func (c Currency) Representable(d decimal.Decimal) bool {
	return d.Equal(c.Round(d))
}

func (c Currency) String() string { return string(c) }

// validateSigned checks a ledger amount against its kind: non-zero, sign
// matching the kind, and representable in the currency.
func validateSigned(kind TransactionKind, currency Currency, amount decimal.Decimal) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown transaction kind %q", ErrValidation, kind)
	}
	if amount.IsZero() {
		return fmt.Errorf("%w: zero amount", ErrInvalidAmount)
	}
	if kind.Credit() && amount.IsNegative() {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidAmount, kind, amount)
	}
	if !kind.Credit() && amount.IsPositive() {
		return fmt.Errorf("%w: %s must be negative, got %s", ErrInvalidAmount, kind, amount)
	}
	if !currency.Representable(amount) {
		return fmt.Errorf("%w: %s has more precision than %s allows", ErrInvalidAmount, amount, currency)
	}
	return nil
}

// validatePositive checks an unsigned amount such as a hold or a deposit.
func validatePositive(currency Currency, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, amount)
	}
	if !currency.Representable(amount) {
		return fmt.Errorf("%w: %s has more precision than %s allows", ErrInvalidAmount, amount, currency)
	}
	return nil
}
