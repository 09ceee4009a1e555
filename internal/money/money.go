// Package money holds the fixed-point amount type used for every fund movement.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnits is the number of decimal places amounts are quantised to.
const MinorUnits = 2

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrNegativeAmount   = errors.New("amount must not be negative")
	ErrInvalidCurrency  = errors.New("invalid currency code")
)

var hundred = decimal.NewFromInt(100)

// Money is a non-negative decimal amount bound to a currency code.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// New builds a Money value from a decimal string such as "1000.00".
func New(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return FromDecimal(d, currency)
}

// FromDecimal validates d and currency.
func FromDecimal(d decimal.Decimal, currency string) (Money, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if len(code) != 3 {
		return Money{}, ErrInvalidCurrency
	}
	if d.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	return Money{Amount: d, Currency: code}, nil
}

// MustNew is New for literals in tests and defaults. It panics on bad input.
func MustNew(amount, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromMinor converts an integer count of minor units (kobo, pesewas, cents).
func FromMinor(minor int64, currency string) (Money, error) {
	return FromDecimal(decimal.New(minor, -MinorUnits), currency)
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: strings.ToUpper(currency)}
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

func (m Money) sameCurrency(o Money) error {
	if m.Currency != o.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	return nil
}

func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}, nil
}

// Sub fails with ErrNegativeAmount when o is larger than m.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	d := m.Amount.Sub(o.Amount)
	if d.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	return Money{Amount: d, Currency: m.Currency}, nil
}

// Cmp returns -1, 0 or +1.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	return m.Amount.Cmp(o.Amount), nil
}

// Equal reports whether both amount and currency match.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// Percent returns pct percent of m truncated to MinorUnits places.
func (m Money) Percent(pct decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(pct).Div(hundred).Truncate(MinorUnits), Currency: m.Currency}
}

// Minor returns the amount as an integer count of minor units, rounding half away from zero.
func (m Money) Minor() int64 {
	return m.Amount.Shift(MinorUnits).Round(0).IntPart()
}

// Sum adds all values, which must share a currency. An empty input yields Zero(currency).
func Sum(currency string, values ...Money) (Money, error) {
	total := Zero(currency)
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

func (m Money) String() string {
	return m.Amount.StringFixed(MinorUnits) + " " + m.Currency
}

// MarshalJSON renders the amount with fixed minor units so projections read "1000.00".
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{Amount: m.Amount.StringFixed(MinorUnits), Currency: m.Currency})
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var raw struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := FromDecimal(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
