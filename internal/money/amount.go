// Package money holds fixed-point monetary amounts that distinguish
// "not found" from "found value zero".
package money

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	plainPattern       = regexp.MustCompile(`^-?\d+$`)
	dotDecimalPattern  = regexp.MustCompile(`^-?\d+\.\d{1,2}$`)
	commaDecimalPat    = regexp.MustCompile(`^-?\d+,\d{1,2}$`)
	dotGroupingPattern = regexp.MustCompile(`^-?\d{1,3}(\.\d{3})+$`)
	commaGroupingPat   = regexp.MustCompile(`^-?\d{1,3}(,\d{3})+$`)
	germanFullPattern  = regexp.MustCompile(`^-?\d{1,3}(\.\d{3})+,\d{1,2}$`)
	englishFullPattern = regexp.MustCompile(`^-?\d{1,3}(,\d{3})+\.\d{1,2}$`)
)

// Amount is a monetary value with two fraction digits, or absent
type Amount struct {
	value   decimal.Decimal
	present bool
}

// Absent returns an amount that was not found
func Absent() Amount {
	return Amount{}
}

// New returns a present amount rounded to cents
func New(d decimal.Decimal) Amount {
	return Amount{value: d.Round(2), present: true}
}

// MustParse is Parse for literals in tests and constants
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse reads an amount in German ("1.234,56", "99,90") or dot ("99.90",
// "1,234.56") notation. Currency markers and whitespace are ignored. An empty
// string yields an absent amount.
func Parse(s string) (Amount, error) {
	raw := s
	s = strings.NewReplacer("€", "", "EUR", "", " ", "", "\u00a0", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return Absent(), nil
	}

	var canonical string
	switch {
	case plainPattern.MatchString(s), dotDecimalPattern.MatchString(s):
		canonical = s
	case commaDecimalPat.MatchString(s):
		canonical = strings.Replace(s, ",", ".", 1)
	case dotGroupingPattern.MatchString(s):
		canonical = strings.ReplaceAll(s, ".", "")
	case commaGroupingPat.MatchString(s):
		canonical = strings.ReplaceAll(s, ",", "")
	case germanFullPattern.MatchString(s):
		canonical = strings.Replace(strings.ReplaceAll(s, ".", ""), ",", ".", 1)
	case englishFullPattern.MatchString(s):
		canonical = strings.ReplaceAll(s, ",", "")
	default:
		return Absent(), fmt.Errorf("invalid amount %q", raw)
	}

	d, err := decimal.NewFromString(canonical)
	if err != nil {
		return Absent(), fmt.Errorf("parsing amount %q: %w", raw, err)
	}
	return New(d), nil
}

// IsPresent reports whether the amount was found
func (a Amount) IsPresent() bool {
	return a.present
}

// Decimal returns the value; zero for absent amounts
func (a Amount) Decimal() decimal.Decimal {
	return a.value
}

// IsNegative reports whether a present amount is below zero
func (a Amount) IsNegative() bool {
	return a.present && a.value.IsNegative()
}

// String renders the canonical form "1234.50", or "" when absent
func (a Amount) String() string {
	if !a.present {
		return ""
	}
	return a.value.StringFixed(2)
}

// German renders the amount as "1234,50", or "" when absent
func (a Amount) German() string {
	if !a.present {
		return ""
	}
	return strings.Replace(a.value.StringFixed(2), ".", ",", 1)
}

// Add returns a+b, absent if either is absent
func (a Amount) Add(b Amount) Amount {
	if !a.present || !b.present {
		return Absent()
	}
	return New(a.value.Add(b.value))
}

// Sub returns a-b, absent if either is absent
func (a Amount) Sub(b Amount) Amount {
	if !a.present || !b.present {
		return Absent()
	}
	return New(a.value.Sub(b.value))
}

// MulRate multiplies by a fraction (0.19 for 19%) and rounds half away from zero to cents
func (a Amount) MulRate(rate decimal.Decimal) Amount {
	if !a.present {
		return Absent()
	}
	return New(a.value.Mul(rate))
}

// Equal compares value and presence
func (a Amount) Equal(b Amount) bool {
	if a.present != b.present {
		return false
	}
	return !a.present || a.value.Equal(b.value)
}

// Within reports whether both are present and differ by at most tolerance
func (a Amount) Within(b Amount, tolerance decimal.Decimal) bool {
	if !a.present || !b.present {
		return false
	}
	return a.value.Sub(b.value).Abs().LessThanOrEqual(tolerance)
}

// Sum adds all present amounts; absent if none is present
func Sum(amounts ...Amount) Amount {
	total := Absent()
	for _, a := range amounts {
		if !a.present {
			continue
		}
		if !total.present {
			total = a
			continue
		}
		total = total.Add(a)
	}
	return total
}

// MarshalJSON writes absent amounts as null and present ones as "99.90"
func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.present {
		return []byte("null"), nil
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts null, strings in either notation, and bare numbers
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Absent()
		return nil
	}

	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding amount: %w", err)
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decoding amount: %w", err)
		}
		s = n.String()
	}

	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
