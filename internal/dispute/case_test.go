package dispute

import (
	"errors"
	"testing"
	"time"

	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

var opened = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func raise(t *testing.T) Case {
	t.Helper()
	c, err := Raise(RaiseParams{AccountID: "acct", RaisedBy: "buyer", Respondent: "seller", Kind: KindDamaged}, nil, 0, opened)
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	return c
}

func TestRaiseSetsDeadlineAndRejectsSecondActiveCase(t *testing.T) {
	t.Parallel()

	c := raise(t)
	if c.Status != StatusOpen {
		t.Fatalf("expected open, got %s", c.Status)
	}
	if !c.ResponseDeadline.Equal(opened.Add(7 * 24 * time.Hour)) {
		t.Fatalf("unexpected deadline %s", c.ResponseDeadline)
	}

	_, err := Raise(RaiseParams{AccountID: "acct", RaisedBy: "seller", Respondent: "buyer"}, []Case{c}, 0, opened)
	if !errors.Is(err, ErrActiveDisputeExists) {
		t.Fatalf("expected ErrActiveDisputeExists, got %v", err)
	}

	c.Status = StatusClosed
	if _, err := Raise(RaiseParams{AccountID: "acct", RaisedBy: "seller", Respondent: "buyer"}, []Case{c}, time.Hour, opened); err != nil {
		t.Fatalf("closed case must not block a new one: %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusOpen, StatusInvestigating, true},
		{StatusOpen, StatusAwaitingResponse, true},
		{StatusInvestigating, StatusAwaitingResponse, true},
		{StatusAwaitingResponse, StatusInvestigating, true},
		{StatusInvestigating, StatusOpen, false},
		{StatusResolved, StatusClosed, true},
		{StatusResolved, StatusOpen, false},
		{StatusClosed, StatusResolved, false},
		{StatusOpen, StatusClosed, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			t.Parallel()

			c := Case{ID: "c", Status: tt.from}
			next, change, err := c.Transition(tt.to, "arb", opened)
			if tt.ok {
				if err != nil || next.Status != tt.to || change.From != tt.from {
					t.Fatalf("expected move, got %+v err=%v", next, err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestResolveValidatesAmount(t *testing.T) {
	t.Parallel()

	c := raise(t)
	if _, _, err := c.Resolve(ResolutionPartialRefund, nil, "", "arb", opened); !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}
	amt := money.MustNew("10", "GHS")
	if _, _, err := c.Resolve(ResolutionNoAction, &amt, "", "arb", opened); !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}
	if _, _, err := c.Resolve("split", nil, "", "arb", opened); !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}

	resolved, change, err := c.Resolve(ResolutionPartialRefund, &amt, " half back ", "arb", opened.Add(time.Hour))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.ResolvedBy != "arb" || resolved.Notes != "half back" || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected case %+v", resolved)
	}
	if change.To != StatusResolved {
		t.Fatalf("unexpected change %+v", change)
	}
	if _, _, err := resolved.Resolve(ResolutionNoAction, nil, "", "arb", opened); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second resolve: expected ErrInvalidTransition, got %v", err)
	}
}

func TestDeadlinePassed(t *testing.T) {
	t.Parallel()

	c := raise(t)
	if c.DeadlinePassed(c.ResponseDeadline) {
		t.Fatal("deadline instant is not past")
	}
	if !c.DeadlinePassed(c.ResponseDeadline.Add(time.Second)) {
		t.Fatal("expected deadline passed")
	}
}
