package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
	"github.com/sudo-init-do/crafthub-escrow/internal/store"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func account(t *testing.T, order string) escrow.Account {
	t.Helper()
	a, err := escrow.Open(escrow.OpenParams{OrderID: order, BuyerID: "b", SellerID: "s", TotalAmount: money.MustNew("100", "GHS")}, now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return a
}

func TestWithinLockRollsBackOnError(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	a := account(t, "o-1")
	boom := errors.New("boom")

	err := s.WithinLock(ctx, store.AccountKey(a.ID), func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertAccount(ctx, a); err != nil {
			return err
		}
		if _, err := tx.GetAccount(ctx, a.ID); err != nil {
			t.Errorf("overlay read: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	err = s.View(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetAccount(ctx, a.ID)
		return err
	})
	if !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected rolled back account, got %v", err)
	}
}

func TestViewIsReadOnly(t *testing.T) {
	t.Parallel()
	s := New()
	err := s.View(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertAccount(ctx, account(t, "o-2"))
	})
	if !errors.Is(err, store.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestCommitDetectsConflictingReference(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	insert := func(id string) func(context.Context, store.Tx) error {
		return func(ctx context.Context, tx store.Tx) error {
			return tx.InsertTransaction(ctx, ledger.Transaction{
				ID: id, AccountID: id, Kind: ledger.KindCapture, Amount: money.MustNew("1", "GHS"),
				ExternalReference: "SAME", Status: ledger.StatusPending,
			})
		}
	}

	// Two units under different keys stage the same reference; the later commit loses.
	inner := make(chan error, 1)
	err := s.WithinLock(ctx, "escrow:a", func(ctx context.Context, tx store.Tx) error {
		if err := insert("a")(ctx, tx); err != nil {
			return err
		}
		inner <- s.WithinLock(ctx, "escrow:b", insert("b"))
		return nil
	})
	if innerErr := <-inner; innerErr != nil {
		t.Fatalf("inner: %v", innerErr)
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for the later commit, got %v", err)
	}
}

func TestKeyedLockSerialises(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinLock(ctx, "escrow:shared", func(context.Context, store.Tx) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxSeen)
	}
}

func TestWithinLockRespectsContext(t *testing.T) {
	t.Parallel()
	s := New()
	release, err := s.locks.acquire(context.Background(), "escrow:busy")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = s.WithinLock(ctx, "escrow:busy", func(context.Context, store.Tx) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestInsertEventDeduplicatesVerifiedOnly(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	record := func(ev webhook.Event) (webhook.Event, bool) {
		var (
			stored  webhook.Event
			created bool
		)
		err := s.WithinLock(ctx, "webhook", func(ctx context.Context, tx store.Tx) error {
			var err error
			stored, created, err = tx.InsertEvent(ctx, ev)
			return err
		})
		if err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
		return stored, created
	}

	verified := webhook.Event{Gateway: "paystack", ProviderEventID: "charge.success:1", SignatureValid: true, ReceivedAt: now}
	first, created := record(verified)
	if !created || first.ID == "" {
		t.Fatalf("first insert %+v created=%v", first, created)
	}
	again, created := record(verified)
	if created || again.ID != first.ID {
		t.Fatalf("second insert %+v created=%v", again, created)
	}

	forged := verified
	forged.SignatureValid = false
	if stored, created := record(forged); !created || stored.ID == first.ID {
		t.Fatalf("forged insert %+v created=%v", stored, created)
	}

	var pending []webhook.Event
	_ = s.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		pending, err = tx.UnmatchedEvents(ctx, now, 10)
		return err
	})
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Fatalf("unmatched %+v", pending)
	}
}
