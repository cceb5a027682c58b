package engine

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/shopspring/decimal"
)

// minMargin is the smallest collateral an instance will ever commit.
var minMargin = decimal.RequireFromString("0.1")

// MarginSpec is the per-instance collateral policy: either a fixed amount
// ("25") or a uniform random draw from a range ("10-50"). Amounts are
// rounded to 4 decimals and floored at 0.1.
type MarginSpec struct {
	min    decimal.Decimal
	max    decimal.Decimal
	ranged bool
}

// ParseMarginSpec parses "25", "25.5" or "10-50".
func ParseMarginSpec(s string) (MarginSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MarginSpec{}, fmt.Errorf("empty margin spec")
	}

	if lo, hi, ok := strings.Cut(s, "-"); ok {
		min, err := decimal.NewFromString(strings.TrimSpace(lo))
		if err != nil {
			return MarginSpec{}, fmt.Errorf("margin spec %q: %w", s, err)
		}
		max, err := decimal.NewFromString(strings.TrimSpace(hi))
		if err != nil {
			return MarginSpec{}, fmt.Errorf("margin spec %q: %w", s, err)
		}
		if min.IsNegative() || max.LessThan(min) {
			return MarginSpec{}, fmt.Errorf("margin spec %q: range must be 0 <= min <= max", s)
		}
		return MarginSpec{min: min, max: max, ranged: true}, nil
	}

	amount, err := decimal.NewFromString(s)
	if err != nil {
		return MarginSpec{}, fmt.Errorf("margin spec %q: %w", s, err)
	}
	if !amount.IsPositive() {
		return MarginSpec{}, fmt.Errorf("margin spec %q: amount must be positive", s)
	}
	return MarginSpec{min: amount, max: amount}, nil
}

// Amount draws the collateral for one open: the fixed amount, or a uniform
// sample from the range.
func (m MarginSpec) Amount() decimal.Decimal {
	amount := m.min
	if m.ranged && m.max.GreaterThan(m.min) {
		span := m.max.Sub(m.min)
		amount = m.min.Add(span.Mul(decimal.NewFromFloat(rand.Float64())))
	}
	amount = amount.Round(4)
	if amount.LessThan(minMargin) {
		return minMargin
	}
	return amount
}

// IsZero reports an unset spec.
func (m MarginSpec) IsZero() bool {
	return !m.ranged && m.min.IsZero() && m.max.IsZero()
}

func (m MarginSpec) String() string {
	if m.ranged {
		return m.min.String() + "-" + m.max.String()
	}
	return m.min.String()
}
