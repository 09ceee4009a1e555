package money

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		amount   string
		currency string
		wantErr  error
	}{
		{name: "ok", amount: "1000.00", currency: "ghs"},
		{name: "negative", amount: "-1", currency: "GHS", wantErr: ErrNegativeAmount},
		{name: "bad_currency", amount: "1", currency: "GH", wantErr: ErrInvalidCurrency},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := New(tt.amount, tt.currency)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.Currency != "GHS" {
				t.Fatalf("expected normalised currency GHS, got %q", m.Currency)
			}
		})
	}

	if _, err := New("abc", "GHS"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestArithmeticRejectsCrossCurrency(t *testing.T) {
	t.Parallel()

	a := MustNew("10", "GHS")
	b := MustNew("10", "USD")

	if _, err := a.Add(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("Add: expected ErrCurrencyMismatch, got %v", err)
	}
	if _, err := a.Sub(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("Sub: expected ErrCurrencyMismatch, got %v", err)
	}
	if _, err := a.Cmp(b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("Cmp: expected ErrCurrencyMismatch, got %v", err)
	}
	if _, err := Sum("GHS", a, b); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("Sum: expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestSubNeverGoesNegative(t *testing.T) {
	t.Parallel()

	if _, err := MustNew("5", "GHS").Sub(MustNew("5.01", "GHS")); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestPercentTruncates(t *testing.T) {
	t.Parallel()

	total := MustNew("100.00", "GHS")
	got := total.Percent(decimal.RequireFromString("33.333"))
	if !got.Equal(MustNew("33.33", "GHS")) {
		t.Fatalf("expected 33.33 GHS, got %s", got)
	}
	if got := MustNew("1000", "GHS").Percent(decimal.NewFromInt(20)); !got.Equal(MustNew("200", "GHS")) {
		t.Fatalf("expected 200 GHS, got %s", got)
	}
}

func TestMinorRoundTrip(t *testing.T) {
	t.Parallel()

	m, err := FromMinor(100050, "GHS")
	if err != nil {
		t.Fatalf("FromMinor: %v", err)
	}
	if m.String() != "1000.50 GHS" {
		t.Fatalf("unexpected string %q", m.String())
	}
	if m.Minor() != 100050 {
		t.Fatalf("expected 100050 minor units, got %d", m.Minor())
	}
}

func TestJSONUsesFixedMinorUnits(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(MustNew("1000", "GHS"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"amount":"1000.00","currency":"GHS"}` {
		t.Fatalf("unexpected json %s", b)
	}

	var back Money
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(MustNew("1000", "GHS")) {
		t.Fatalf("round trip mismatch: %s", back)
	}
}
