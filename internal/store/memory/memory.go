// Package memory is an in-process Store used by tests and local runs without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sudo-init-do/crafthub-escrow/internal/dispute"
	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/store"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

type table[T any] struct {
	rows  map[string]T
	order []string
}

func newTable[T any]() *table[T] { return &table[T]{rows: map[string]T{}} }

func (t *table[T]) put(id string, v T) {
	if _, ok := t.rows[id]; !ok {
		t.order = append(t.order, id)
	}
	t.rows[id] = v
}

func lookup[T any](base, over *table[T], id string) (T, bool) {
	if v, ok := over.rows[id]; ok {
		return v, true
	}
	v, ok := base.rows[id]
	return v, ok
}

func merged[T any](base, over *table[T]) []T {
	out := make([]T, 0, len(base.order)+len(over.order))
	for _, id := range base.order {
		if v, ok := over.rows[id]; ok {
			out = append(out, v)
			continue
		}
		out = append(out, base.rows[id])
	}
	for _, id := range over.order {
		if _, ok := base.rows[id]; !ok {
			out = append(out, over.rows[id])
		}
	}
	return out
}

func commitTable[T any](base, over *table[T]) {
	for _, id := range over.order {
		base.put(id, over.rows[id])
	}
}

type tables struct {
	txs         *table[ledger.Transaction]
	txChanges   []ledger.StatusChange
	accounts    *table[escrow.Account]
	milestones  *table[escrow.Milestone]
	cases       *table[dispute.Case]
	caseChanges []dispute.StatusChange
	events      *table[webhook.Event]
}

func newTables() *tables {
	return &tables{
		txs:        newTable[ledger.Transaction](),
		accounts:   newTable[escrow.Account](),
		milestones: newTable[escrow.Milestone](),
		cases:      newTable[dispute.Case](),
		events:     newTable[webhook.Event](),
	}
}

// Store keeps committed rows in maps guarded by mu. Each unit of work stages its writes in an
// overlay and folds them in on commit.
type Store struct {
	locks keyedLocks
	mu    sync.RWMutex
	data  *tables
}

func New() *Store {
	return &Store{locks: keyedLocks{m: map[string]*keyLock{}}, data: newTables()}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) WithinLock(ctx context.Context, key string, fn func(ctx context.Context, tx store.Tx) error) error {
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	tx := &unit{s: s, over: newTables()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx.over)
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return fn(ctx, &unit{s: s, over: newTables(), readOnly: true})
}

func (s *Store) commit(over *tables) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range over.txs.order {
		if _, exists := s.data.txs.rows[id]; exists {
			continue
		}
		ref := over.txs.rows[id].ExternalReference
		for _, t := range s.data.txs.rows {
			if ref != "" && t.ExternalReference == ref {
				return store.ErrConflict
			}
		}
	}
	for _, id := range over.accounts.order {
		if _, exists := s.data.accounts.rows[id]; exists {
			continue
		}
		for _, a := range s.data.accounts.rows {
			if a.OrderID == over.accounts.rows[id].OrderID {
				return store.ErrConflict
			}
		}
	}
	for _, id := range over.events.order {
		ev := over.events.rows[id]
		if _, exists := s.data.events.rows[id]; exists || !ev.Deduplicated() {
			continue
		}
		for _, e := range s.data.events.rows {
			if e.Deduplicated() && e.Gateway == ev.Gateway && e.ProviderEventID == ev.ProviderEventID {
				return store.ErrConflict
			}
		}
	}

	commitTable(s.data.txs, over.txs)
	commitTable(s.data.accounts, over.accounts)
	commitTable(s.data.milestones, over.milestones)
	commitTable(s.data.cases, over.cases)
	commitTable(s.data.events, over.events)
	s.data.txChanges = append(s.data.txChanges, over.txChanges...)
	s.data.caseChanges = append(s.data.caseChanges, over.caseChanges...)
	return nil
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

func (k *keyedLocks) acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.drop(key, l)
		}, nil
	case <-ctx.Done():
		k.drop(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedLocks) drop(key string, l *keyLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.m, key)
	}
	k.mu.Unlock()
}

// unit implements store.Tx over committed data plus a private overlay.
type unit struct {
	s        *Store
	over     *tables
	readOnly bool
}

func (u *unit) rlock() func() {
	u.s.mu.RLock()
	return u.s.mu.RUnlock
}

func (u *unit) writable() error {
	if u.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

// ledger.Repository

func (u *unit) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	if err := u.writable(); err != nil {
		return err
	}
	defer u.rlock()()
	if tx.ExternalReference != "" {
		for _, t := range merged(u.s.data.txs, u.over.txs) {
			if t.ExternalReference == tx.ExternalReference {
				return ledger.ErrDuplicateReference
			}
		}
	}
	u.over.txs.put(tx.ID, tx)
	return nil
}

func (u *unit) GetTransaction(_ context.Context, id string) (ledger.Transaction, error) {
	defer u.rlock()()
	if t, ok := lookup(u.s.data.txs, u.over.txs, id); ok {
		return t, nil
	}
	return ledger.Transaction{}, ledger.ErrNotFound
}

func (u *unit) TransactionByReference(_ context.Context, reference string) (ledger.Transaction, error) {
	defer u.rlock()()
	for _, t := range merged(u.s.data.txs, u.over.txs) {
		if reference != "" && t.ExternalReference == reference {
			return t, nil
		}
	}
	return ledger.Transaction{}, ledger.ErrUnknownReference
}

func (u *unit) UpdateTransactionStatus(_ context.Context, tx ledger.Transaction, change ledger.StatusChange) error {
	if err := u.writable(); err != nil {
		return err
	}
	defer u.rlock()()
	prev, ok := lookup(u.s.data.txs, u.over.txs, tx.ID)
	if !ok {
		return ledger.ErrNotFound
	}
	if prev.Kind != tx.Kind || !prev.Amount.Equal(tx.Amount) {
		return ledger.ErrInvalidTransition
	}
	if tx.ExternalReference != prev.ExternalReference {
		for _, t := range merged(u.s.data.txs, u.over.txs) {
			if t.ID != tx.ID && t.ExternalReference == tx.ExternalReference {
				return ledger.ErrDuplicateReference
			}
		}
	}
	u.over.txs.put(tx.ID, tx)
	u.over.txChanges = append(u.over.txChanges, change)
	return nil
}

func (u *unit) TransactionsByAccount(_ context.Context, accountID string) ([]ledger.Transaction, error) {
	defer u.rlock()()
	var out []ledger.Transaction
	for _, t := range merged(u.s.data.txs, u.over.txs) {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (u *unit) StatusChanges(_ context.Context, transactionID string) ([]ledger.StatusChange, error) {
	defer u.rlock()()
	var out []ledger.StatusChange
	for _, c := range append(append([]ledger.StatusChange(nil), u.s.data.txChanges...), u.over.txChanges...) {
		if c.TransactionID == transactionID {
			out = append(out, c)
		}
	}
	return out, nil
}

// escrow.Repository

func (u *unit) InsertAccount(_ context.Context, a escrow.Account) error {
	if err := u.writable(); err != nil {
		return err
	}
	defer u.rlock()()
	for _, o := range merged(u.s.data.accounts, u.over.accounts) {
		if o.OrderID == a.OrderID {
			return escrow.ErrDuplicateAccount
		}
	}
	u.over.accounts.put(a.ID, a)
	return nil
}

func (u *unit) GetAccount(_ context.Context, id string) (escrow.Account, error) {
	defer u.rlock()()
	if a, ok := lookup(u.s.data.accounts, u.over.accounts, id); ok {
		return a, nil
	}
	return escrow.Account{}, escrow.ErrNotFound
}

func (u *unit) AccountByOrder(_ context.Context, orderID string) (escrow.Account, error) {
	defer u.rlock()()
	for _, a := range merged(u.s.data.accounts, u.over.accounts) {
		if a.OrderID == orderID {
			return a, nil
		}
	}
	return escrow.Account{}, escrow.ErrNotFound
}

func (u *unit) UpdateAccount(_ context.Context, a escrow.Account) error {
	if err := u.writable(); err != nil {
		return err
	}
	defer u.rlock()()
	if _, ok := lookup(u.s.data.accounts, u.over.accounts, a.ID); !ok {
		return escrow.ErrNotFound
	}
	u.over.accounts.put(a.ID, a)
	return nil
}

func (u *unit) AutoReleaseCandidates(_ context.Context, now time.Time, limit int) ([]escrow.Account, error) {
	defer u.rlock()()
	var out []escrow.Account
	for _, a := range merged(u.s.data.accounts, u.over.accounts) {
		if !a.RequiresQualityConfirmation || a.FundedAt == nil || a.Status.Terminal() || a.Status == escrow.StatusDisputed {
			continue
		}
		if a.FundedAt.Add(a.AutoReleaseAfter).After(now) {
			continue
		}
		accrued := false
		for _, m := range merged(u.s.data.milestones, u.over.milestones) {
			if m.AccountID == a.ID && m.Unreleased() && m.ReleaseAmount.IsPositive() {
				accrued = true
				break
			}
		}
		if !accrued {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (u *unit) InsertMilestones(_ context.Context, ms []escrow.Milestone) error {
	if err := u.writable(); err != nil {
		return err
	}
	defer u.rlock()()
	existing := merged(u.s.data.milestones, u.over.milestones)
	for i, m := range ms {
		for _, o := range existing {
			if o.AccountID == m.AccountID && o.StageKey == m.StageKey {
				return escrow.ErrDuplicateStage
			}
		}
		for _, o := range ms[:i] {
			if o.AccountID == m.AccountID && o.StageKey == m.StageKey {
				return escrow.ErrDuplicateStage
			}
		}
	}
	for _, m := range ms {
		u.over.milestones.put(m.ID, m)
	}
	return nil
}

func (u *unit) UpdateMilestone(_ context.Context, m escrow.Milestone) error {
	if err := u.writable(); err != nil {
		return err
	}
	defer u.rlock()()
	prev, ok := lookup(u.s.data.milestones, u.over.milestones, m.ID)
	if !ok {
		return escrow.ErrUnknownStage
	}
	if !prev.ReleaseAmount.Equal(m.ReleaseAmount) {
		return escrow.ErrInvalidInput
	}
	u.over.milestones.put(m.ID, m)
	return nil
}

func (u *unit) MilestonesByAccount(_ context.Context, accountID string) ([]escrow.Milestone, error) {
	defer u.rlock()()
	var out []escrow.Milestone
	for _, m := range merged(u.s.data.milestones, u.over.milestones) {
		if m.AccountID == accountID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// dispute.Repository

func (u *unit) InsertCase(_ context.Context, c dispute.Case) error {
	if err := u.writable(); err != nil {
		return err
	}
	u.over.cases.put(c.ID, c)
	return nil
}

func (u *unit) GetCase(_ context.Context, id string) (dispute.Case, error) {
	defer u.rlock()()
	if c, ok := lookup(u.s.data.cases, u.over.cases, id); ok {
		return c, nil
	}
	return dispute.Case{}, dispute.ErrNotFound
}

func (u *unit) UpdateCase(_ context.Context, c dispute.Case, change dispute.StatusChange) error {
	if err := u.writable(); err != nil {
		return err
	}
	defer u.rlock()()
	if _, ok := lookup(u.s.data.cases, u.over.cases, c.ID); !ok {
		return dispute.ErrNotFound
	}
	u.over.cases.put(c.ID, c)
	if change.CaseID != "" {
		u.over.caseChanges = append(u.over.caseChanges, change)
	}
	return nil
}

func (u *unit) CasesByAccount(_ context.Context, accountID string) ([]dispute.Case, error) {
	defer u.rlock()()
	var out []dispute.Case
	for _, c := range merged(u.s.data.cases, u.over.cases) {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (u *unit) OverdueCases(_ context.Context, now time.Time, limit int) ([]dispute.Case, error) {
	defer u.rlock()()
	var out []dispute.Case
	for _, c := range merged(u.s.data.cases, u.over.cases) {
		if (c.Status == dispute.StatusOpen || c.Status == dispute.StatusAwaitingResponse) && c.DeadlinePassed(now) {
			out = append(out, c)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// webhook.Repository

func (u *unit) InsertEvent(_ context.Context, ev webhook.Event) (webhook.Event, bool, error) {
	if err := u.writable(); err != nil {
		return webhook.Event{}, false, err
	}
	defer u.rlock()()
	if ev.Deduplicated() {
		for _, e := range merged(u.s.data.events, u.over.events) {
			if e.Deduplicated() && e.Gateway == ev.Gateway && e.ProviderEventID == ev.ProviderEventID {
				return e, false, nil
			}
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	u.over.events.put(ev.ID, ev)
	return ev, true, nil
}

func (u *unit) GetEvent(_ context.Context, id string) (webhook.Event, error) {
	defer u.rlock()()
	if e, ok := lookup(u.s.data.events, u.over.events, id); ok {
		return e, nil
	}
	return webhook.Event{}, webhook.ErrNotFound
}

func (u *unit) UpdateEvent(_ context.Context, ev webhook.Event) error {
	if err := u.writable(); err != nil {
		return err
	}
	defer u.rlock()()
	if _, ok := lookup(u.s.data.events, u.over.events, ev.ID); !ok {
		return webhook.ErrNotFound
	}
	u.over.events.put(ev.ID, ev)
	return nil
}

func (u *unit) UnmatchedEvents(_ context.Context, receivedBefore time.Time, limit int) ([]webhook.Event, error) {
	defer u.rlock()()
	var out []webhook.Event
	for _, e := range merged(u.s.data.events, u.over.events) {
		if e.Applied || !e.SignatureValid || e.ProviderEventID == "" || e.ReceivedAt.After(receivedBefore) {
			continue
		}
		if e.ApplyError != webhook.ApplyErrUnmatched && e.ApplyError != "" {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
var _ store.Tx = (*unit)(nil)
