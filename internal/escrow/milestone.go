package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

var (
	ErrOverAllocated     = errors.New("milestone percentages exceed 100")
	ErrDuplicateStage    = errors.New("duplicate milestone stage")
	ErrInvalidPercentage = errors.New("release percentage must be between 0 and 100")
	ErrUnknownStage      = errors.New("unknown milestone stage")
	ErrEvidenceConflict  = errors.New("milestone already completed with different evidence")
	ErrScheduleLocked    = errors.New("milestone schedule can no longer change")
)

var hundred = decimal.NewFromInt(100)

// Milestone is one stage of an account's release schedule. ReleaseAmount is frozen at definition.
type Milestone struct {
	ID                   string          `json:"id"`
	AccountID            string          `json:"escrow_account_id"`
	StageKey             string          `json:"sequence_key"`
	Position             int             `json:"position"`
	ReleasePercentage    decimal.Decimal `json:"release_percentage"`
	ReleaseAmount        money.Money     `json:"release_amount"`
	IsCompleted          bool            `json:"is_completed"`
	CompletedBy          string          `json:"completed_by,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	Evidence             []byte          `json:"evidence,omitempty"`
	ReleaseTransactionID string          `json:"release_transaction_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Allocation is one requested (stage, percentage) pair.
type Allocation struct {
	StageKey   string          `json:"stage"`
	Percentage decimal.Decimal `json:"percentage"`
}

// PlanSchedule validates allocs against the account's existing milestones and returns the new rows.
// Amounts are truncated to minor units; when the cumulative percentage reaches exactly 100 the last
// new milestone absorbs the remainder so the whole schedule sums to the total.
func PlanSchedule(a Account, existing []Milestone, allocs []Allocation, now time.Time) ([]Milestone, error) {
	if len(allocs) == 0 {
		return nil, ErrInvalidInput
	}
	if a.Status.Terminal() {
		return nil, a.TerminalError()
	}
	seen := make(map[string]bool, len(existing)+len(allocs))
	sumPct := decimal.Zero
	sumAmt := money.Zero(a.TotalAmount.Currency)
	for _, m := range existing {
		if m.IsCompleted {
			return nil, ErrScheduleLocked
		}
		seen[m.StageKey] = true
		sumPct = sumPct.Add(m.ReleasePercentage)
		var err error
		if sumAmt, err = sumAmt.Add(m.ReleaseAmount); err != nil {
			return nil, err
		}
	}

	out := make([]Milestone, 0, len(allocs))
	for i, al := range allocs {
		key := strings.TrimSpace(al.StageKey)
		if key == "" {
			return nil, ErrInvalidInput
		}
		if seen[key] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, key)
		}
		seen[key] = true
		if al.Percentage.IsNegative() || al.Percentage.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPercentage, al.Percentage)
		}
		sumPct = sumPct.Add(al.Percentage)
		if sumPct.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: %s", ErrOverAllocated, sumPct)
		}
		amount := a.TotalAmount.Percent(al.Percentage)
		var err error
		if sumAmt, err = sumAmt.Add(amount); err != nil {
			return nil, err
		}
		out = append(out, Milestone{
			ID:                uuid.NewString(),
			AccountID:         a.ID,
			StageKey:          key,
			Position:          len(existing) + i + 1,
			ReleasePercentage: al.Percentage,
			ReleaseAmount:     amount,
			CreatedAt:         now,
		})
	}
	if sumPct.Equal(hundred) {
		if err := absorbRemainder(a.TotalAmount, sumAmt, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// absorbRemainder adds the truncation remainder to the last new milestone with a positive
// percentage, so a complete schedule sums to the total and 0% stages stay at zero.
func absorbRemainder(total, planned money.Money, out []Milestone) error {
	rest, err := total.Sub(planned)
	if err != nil {
		return err
	}
	for i := len(out) - 1; i >= 0; i-- {
		if !out[i].ReleasePercentage.IsPositive() {
			continue
		}
		out[i].ReleaseAmount, err = out[i].ReleaseAmount.Add(rest)
		return err
	}
	return nil
}

// Complete stamps m as completed. A repeat with identical evidence returns replay=true;
// a repeat with different evidence fails with ErrEvidenceConflict.
func (m Milestone) Complete(by string, evidence []byte, now time.Time) (Milestone, bool, error) {
	if m.IsCompleted {
		if bytes.Equal(m.Evidence, evidence) {
			return m, true, nil
		}
		return m, false, ErrEvidenceConflict
	}
	if strings.TrimSpace(by) == "" {
		return m, false, ErrInvalidInput
	}
	m.IsCompleted = true
	m.CompletedBy = by
	at := now
	m.CompletedAt = &at
	m.Evidence = append([]byte(nil), evidence...)
	return m, false, nil
}

// Unreleased reports whether m is completed but not covered by a live release transaction.
func (m Milestone) Unreleased() bool {
	return m.IsCompleted && m.ReleaseTransactionID == ""
}

// FindStage returns the milestone with the given key.
func FindStage(ms []Milestone, key string) (Milestone, bool) {
	for _, m := range ms {
		if m.StageKey == key {
			return m, true
		}
	}
	return Milestone{}, false
}

// Accrued returns completed milestones not yet covered by a release, and their sum.
func Accrued(currency string, ms []Milestone) ([]Milestone, money.Money, error) {
	var out []Milestone
	total := money.Zero(currency)
	for _, m := range ms {
		if !m.Unreleased() || m.ReleaseAmount.IsZero() {
			continue
		}
		var err error
		if total, err = total.Add(m.ReleaseAmount); err != nil {
			return nil, money.Money{}, err
		}
		out = append(out, m)
	}
	return out, total, nil
}

// SkippedStages lists earlier stages still incomplete when m completes. Completion out of
// sequence is allowed; callers log it.
func SkippedStages(ms []Milestone, m Milestone) []string {
	var skipped []string
	for _, o := range ms {
		if o.Position < m.Position && !o.IsCompleted {
			skipped = append(skipped, o.StageKey)
		}
	}
	return skipped
}

// TotalPercentage sums release percentages.
func TotalPercentage(ms []Milestone) decimal.Decimal {
	sum := decimal.Zero
	for _, m := range ms {
		sum = sum.Add(m.ReleasePercentage)
	}
	return sum
}
