// Package orchestrator ties the ledger, escrow accounts, disputes and webhook reconciliation
// together. Every mutating call runs in one per-account unit of work.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sudo-init-do/crafthub-escrow/internal/events"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/store"
)

var (
	ErrForbidden     = errors.New("operation requires the arbitrator role")
	errWrongLock     = errors.New("orchestrator: lock key changed under us")
	defaultBatchSize = 100
)

// Roles allowed to arbitrate disputes.
const (
	RoleArbitrator = "arbitrator"
	RoleAdmin      = "admin"
)

func canArbitrate(role string) bool { return role == RoleArbitrator || role == RoleAdmin }

// Config is injected at construction; there is no package-level state.
type Config struct {
	DefaultAutoReleaseAfter time.Duration
	DisputeResponseWindow   time.Duration
	UnmatchedRetryAfter     time.Duration
	SweepBatchSize          int
}

type Dependencies struct {
	Store     store.Store
	Publisher events.Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
	Config    Config
}

type Service struct {
	store     store.Store
	publisher events.Publisher
	log       *slog.Logger
	clock     func() time.Time
	cfg       Config
}

func New(deps Dependencies) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	s := &Service{
		store:     deps.Store,
		publisher: deps.Publisher,
		log:       deps.Logger,
		clock:     deps.Clock,
		cfg:       deps.Config,
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	if s.cfg.DefaultAutoReleaseAfter <= 0 {
		s.cfg.DefaultAutoReleaseAfter = 14 * 24 * time.Hour
	}
	if s.cfg.SweepBatchSize <= 0 {
		s.cfg.SweepBatchSize = defaultBatchSize
	}
	return s, nil
}

// work is the state of one unit of work. Events are published only after commit.
type work struct {
	tx     store.Tx
	ledger *ledger.Ledger
	now    time.Time
	events []events.Event
}

func (w *work) emit(eventType, accountID string, data any) {
	w.events = append(w.events, events.New(eventType, accountID, w.now, data))
}

func (s *Service) run(ctx context.Context, key string, fn func(ctx context.Context, w *work) error) error {
	var w *work
	err := s.store.WithinLock(ctx, key, func(ctx context.Context, tx store.Tx) error {
		now := s.clock()
		w = &work{tx: tx, ledger: ledger.New(tx, func() time.Time { return now }), now: now}
		return fn(ctx, w)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, w.events)
	return nil
}

func (s *Service) withAccount(ctx context.Context, accountID string, fn func(ctx context.Context, w *work) error) error {
	return s.run(ctx, store.AccountKey(accountID), fn)
}

func (s *Service) view(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.store.View(ctx, fn)
}

func (s *Service) publish(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.log.WarnContext(ctx, "escrow: publish event failed",
				"module", "events", "operation", "publish", "outcome", "failure",
				"event_type", ev.Type, "account_id", ev.AccountID, "error", err)
		}
	}
}

// SweepReport summarises one sweep run.
type SweepReport struct {
	Examined int `json:"examined"`
	Applied  int `json:"applied"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}
