package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

type memRepo struct {
	txs     map[string]Transaction
	changes []StatusChange
}

func newMemRepo() *memRepo { return &memRepo{txs: map[string]Transaction{}} }

func (r *memRepo) InsertTransaction(_ context.Context, tx Transaction) error {
	for _, o := range r.txs {
		if o.ExternalReference == tx.ExternalReference {
			return ErrDuplicateReference
		}
	}
	r.txs[tx.ID] = tx
	return nil
}

func (r *memRepo) GetTransaction(_ context.Context, id string) (Transaction, error) {
	if tx, ok := r.txs[id]; ok {
		return tx, nil
	}
	return Transaction{}, ErrNotFound
}

func (r *memRepo) TransactionByReference(_ context.Context, reference string) (Transaction, error) {
	for _, tx := range r.txs {
		if tx.ExternalReference == reference {
			return tx, nil
		}
	}
	return Transaction{}, ErrUnknownReference
}

func (r *memRepo) UpdateTransactionStatus(_ context.Context, tx Transaction, change StatusChange) error {
	r.txs[tx.ID] = tx
	r.changes = append(r.changes, change)
	return nil
}

func (r *memRepo) TransactionsByAccount(_ context.Context, accountID string) ([]Transaction, error) {
	var out []Transaction
	for _, tx := range r.txs {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (r *memRepo) StatusChanges(_ context.Context, transactionID string) ([]StatusChange, error) {
	var out []StatusChange
	for _, c := range r.changes {
		if c.TransactionID == transactionID {
			out = append(out, c)
		}
	}
	return out, nil
}

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ngn(s string) money.Money { return money.MustNew(s, "NGN") }

func TestRecordIntentValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		kind    Kind
		amount  money.Money
		wantErr error
	}{
		{name: "ok", kind: KindCapture, amount: ngn("10")},
		{name: "bad_kind", kind: Kind("chargeback"), amount: ngn("10"), wantErr: ErrInvalidKind},
		{name: "zero_amount", kind: KindRelease, amount: ngn("0"), wantErr: ErrInvalidAmount},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := New(newMemRepo(), func() time.Time { return fixed })
			tx, err := l.RecordIntent(context.Background(), tt.kind, tt.amount, "acct", "", nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if err == nil && (tx.Status != StatusPending || tx.ExternalReference == "" || !tx.CreatedAt.Equal(fixed)) {
				t.Fatalf("unexpected transaction %+v", tx)
			}
		})
	}
}

func TestDuplicateReferenceRejected(t *testing.T) {
	t.Parallel()
	l := New(newMemRepo(), nil)
	ctx := context.Background()

	if _, err := l.RecordIntent(ctx, KindCapture, ngn("10"), "a", "REF-1", nil); err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}
	if _, err := l.RecordIntent(ctx, KindCapture, ngn("10"), "b", "REF-1", nil); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	other, err := l.RecordIntent(ctx, KindRelease, ngn("5"), "a", "", nil)
	if err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}
	if _, err := l.AttachReference(ctx, other.ID, "REF-1"); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	attached, err := l.AttachReference(ctx, other.ID, "TRF-9")
	if err != nil || attached.Status != StatusProcessing || attached.ExternalReference != "TRF-9" {
		t.Fatalf("attach %+v, %v", attached, err)
	}
}

func TestMarkSettled(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	l := New(repo, func() time.Time { return fixed })
	ctx := context.Background()

	tx, err := l.RecordIntent(ctx, KindCapture, ngn("100"), "acct", "R1", nil)
	if err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}
	if _, err := l.MarkProcessing(ctx, "R1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	settledAt := fixed.Add(time.Minute)
	got, changed, err := l.MarkSettled(ctx, "R1", true, settledAt)
	if err != nil || !changed || got.Status != StatusSucceeded || !got.SettledAt.Equal(settledAt) {
		t.Fatalf("settle %+v changed=%v err=%v", got, changed, err)
	}

	if _, changed, err := l.MarkSettled(ctx, "R1", true, time.Time{}); err != nil || changed {
		t.Fatalf("redelivery changed=%v err=%v", changed, err)
	}
	if _, _, err := l.MarkSettled(ctx, "R1", false, time.Time{}); !errors.Is(err, ErrSettlementConflict) {
		t.Fatalf("expected ErrSettlementConflict, got %v", err)
	}
	if _, _, err := l.MarkSettled(ctx, "missing", true, time.Time{}); !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected ErrUnknownReference, got %v", err)
	}

	changes, _ := repo.StatusChanges(ctx, tx.ID)
	if len(changes) != 2 || changes[0].To != StatusProcessing || changes[1].To != StatusSucceeded {
		t.Fatalf("changes %+v", changes)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	txs := []Transaction{
		{Kind: KindCapture, Amount: ngn("1000"), Status: StatusSucceeded},
		{Kind: KindRelease, Amount: ngn("200"), Status: StatusSucceeded},
		{Kind: KindRelease, Amount: ngn("300"), Status: StatusProcessing},
		{Kind: KindRelease, Amount: ngn("50"), Status: StatusFailed},
		{Kind: KindRefund, Amount: ngn("100"), Status: StatusPending},
	}
	b, err := Summarize("NGN", txs)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !b.Captured.Equal(ngn("1000")) || !b.Released.Equal(ngn("200")) || !b.Refunded.IsZero() || !b.Committed.Equal(ngn("600")) {
		t.Fatalf("balance %+v", b)
	}

	if _, err := Summarize("NGN", []Transaction{{Kind: KindCapture, Amount: money.MustNew("1", "GHS"), Status: StatusSucceeded}}); !errors.Is(err, money.ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	tx := Transaction{ID: "t", Status: StatusSucceeded}
	if _, _, err := Transition(tx, StatusFailed, "test", fixed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	tx.Status = StatusPending
	next, change, err := Transition(tx, StatusCancelled, "test", fixed)
	if err != nil || next.SettledAt == nil || change.From != StatusPending {
		t.Fatalf("cancel %+v %+v %v", next, change, err)
	}
}
