package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	RateZero     = decimal.Zero
	RateReduced  = decimal.NewFromInt(7)
	RateStandard = decimal.NewFromInt(19)

	legalRates = []decimal.Decimal{RateZero, RateReduced, RateStandard}
	hundred    = decimal.NewFromInt(100)
)

// Cent is the rounding tolerance used when comparing derived sums
var Cent = decimal.New(1, -2)

// ParseRate reads a VAT rate as a percentage. "19", "19%", "19,0" and the
// fraction form "0.19" all yield 19.
func ParseRate(s string) (decimal.Decimal, error) {
	raw := s
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	s = strings.Replace(s, ",", ".", 1)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty vat rate")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing vat rate %q: %w", raw, err)
	}
	if d.GreaterThan(decimal.Zero) && d.LessThan(decimal.NewFromInt(1)) {
		d = d.Mul(hundred)
	}
	return d, nil
}

// IsLegalRate reports whether rate is one of 0, 7 or 19 percent
func IsLegalRate(rate decimal.Decimal) bool {
	for _, r := range legalRates {
		if rate.Equal(r) {
			return true
		}
	}
	return false
}

// Fraction converts a percentage to a multiplier (19 -> 0.19)
func Fraction(percent decimal.Decimal) decimal.Decimal {
	return percent.Div(hundred)
}
