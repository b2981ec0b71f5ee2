// Package money keeps every amount in integer minor units (cents).
// Decimal values only appear at the storage and HTTP boundaries.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Cents is an amount in minor currency units. No floats.
type Cents int64

// Tolerance is the largest difference treated as equal when comparing a
// stored amount with a recomputed one.
const Tolerance Cents = 1

var (
	ErrInvalidAmount = errors.New("money: invalid amount")

	hundred = decimal.NewFromInt(100)
)

// FromDecimal converts a decimal amount (e.g. 12.345) to cents, rounding half
// away from zero.
func FromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Round(0).IntPart())
}

// Parse converts a decimal string such as "100.00" into cents.
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d), nil
}

// Decimal returns the amount as a two-place decimal.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

func (c Cents) String() string { return c.Decimal().StringFixed(2) }

func (c Cents) IsNegative() bool { return c < 0 }
func (c Cents) IsPositive() bool { return c > 0 }

// Percent applies percent/100 to c and rounds to the nearest cent.
func (c Cents) Percent(percent decimal.Decimal) Cents {
	return Cents(decimal.NewFromInt(int64(c)).Mul(percent).Div(hundred).Round(0).IntPart())
}

// Abs returns |c|.
func (c Cents) Abs() Cents {
	if c < 0 {
		return -c
	}
	return c
}

// Within reports whether |c - other| <= tol.
func (c Cents) Within(other, tol Cents) bool {
	return (c - other).Abs() <= tol
}

// MarshalJSON renders the amount as a JSON number with two decimals.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts both JSON numbers and quoted decimal strings.
func (c *Cents) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, string(b))
	}
	*c = FromDecimal(d)
	return nil
}

// Value stores the amount as a decimal string so numeric columns keep two places.
func (c Cents) Value() (driver.Value, error) {
	return c.String(), nil
}

// Scan reads numeric/decimal columns.
func (c *Cents) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("money: scan: %w", err)
	}
	*c = FromDecimal(d)
	return nil
}
