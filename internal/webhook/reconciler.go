package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// Backend records events and applies them against ledger and escrow state.
type Backend interface {
	RecordEvent(ctx context.Context, ev Event) (Event, bool, error)
	ApplyEvent(ctx context.Context, eventID string) (Outcome, error)
}

// Claimer is an optional short-lived in-flight marker shared between replicas.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RetryScheduler re-drives unmatched events after a delay.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, eventID string, delay time.Duration) error
}

type Options struct {
	Gateways   map[string]Gateway
	Backend    Backend
	Claims     Claimer
	Retries    RetryScheduler
	RetryDelay time.Duration
	ClaimTTL   time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Reconciler is the idempotent consumer for gateway notifications.
type Reconciler struct {
	gateways   map[string]Gateway
	backend    Backend
	claims     Claimer
	retries    RetryScheduler
	retryDelay time.Duration
	claimTTL   time.Duration
	log        *slog.Logger
	now        func() time.Time
}

func NewReconciler(opts Options) *Reconciler {
	gws := make(map[string]Gateway, len(opts.Gateways))
	for name, g := range opts.Gateways {
		name = strings.ToLower(strings.TrimSpace(name))
		if g.Name == "" {
			g.Name = name
		}
		gws[name] = g
	}
	r := &Reconciler{
		gateways:   gws,
		backend:    opts.Backend,
		claims:     opts.Claims,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		claimTTL:   opts.ClaimTTL,
		log:        opts.Logger,
		now:        opts.Now,
	}
	if r.retryDelay <= 0 {
		r.retryDelay = time.Minute
	}
	if r.claimTTL <= 0 {
		r.claimTTL = 30 * time.Second
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Gateway returns the configuration for name. Unknown gateways get a secretless config,
// which fails verification.
func (r *Reconciler) Gateway(name string) Gateway {
	name = strings.ToLower(strings.TrimSpace(name))
	if g, ok := r.gateways[name]; ok {
		return g
	}
	return Gateway{Name: name}
}

// Ingest verifies, records and applies one delivery. Only ErrInvalidSignature and storage
// failures are returned as errors; every other result is reported through the Outcome.
func (r *Reconciler) Ingest(ctx context.Context, gateway string, body []byte, signature string) (Outcome, error) {
	g := r.Gateway(gateway)
	ev := Event{
		Gateway:    g.Name,
		Payload:    append([]byte(nil), body...),
		Signature:  signature,
		ReceivedAt: r.now(),
	}

	if err := g.Verify(body, signature); err != nil {
		ev.ApplyError = ApplyErrInvalidSignature
		if n, perr := Parse(g, body); perr == nil {
			ev.Kind, ev.Reference = n.Kind, n.Reference
		}
		stored, _, rerr := r.backend.RecordEvent(ctx, ev)
		if rerr != nil {
			r.log.ErrorContext(ctx, "webhook: record unverified event failed", "module", "webhook", "gateway", g.Name, "error", rerr)
		}
		r.log.WarnContext(ctx, "webhook: signature verification failed",
			"module", "webhook", "operation", "ingest", "outcome", "invalid_signature",
			"gateway", g.Name, "event_id", stored.ID, "secret_configured", g.Secret != "")
		return Outcome{EventID: stored.ID, Gateway: g.Name, Status: OutcomeInvalidSignature}, err
	}
	ev.SignatureValid = true

	n, err := Parse(g, body)
	if err != nil {
		ev.ApplyError = ApplyErrMalformed
		stored, _, rerr := r.backend.RecordEvent(ctx, ev)
		if rerr != nil {
			return Outcome{}, rerr
		}
		r.log.WarnContext(ctx, "webhook: malformed payload", "module", "webhook", "gateway", g.Name, "event_id", stored.ID, "error", err)
		return Outcome{EventID: stored.ID, Gateway: g.Name, Status: OutcomeMalformed, Detail: err.Error()}, nil
	}
	ev.ProviderEventID = n.ProviderEventID
	ev.Kind = n.Kind
	ev.Reference = n.Reference
	ev.GatewayStatus = n.RawStatus
	ev.Amount = n.Amount
	if !n.OccurredAt.IsZero() {
		at := n.OccurredAt
		ev.OccurredAt = &at
	}

	stored, created, err := r.backend.RecordEvent(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}
	if !created && stored.Applied {
		out, err := CachedOutcome(stored)
		if err != nil {
			return Outcome{}, err
		}
		r.log.InfoContext(ctx, "webhook: duplicate delivery", "module", "webhook", "operation", "ingest", "outcome", "duplicate",
			"gateway", g.Name, "provider_event_id", n.ProviderEventID)
		return out, nil
	}

	if r.claims != nil {
		key := "webhook:claim:" + g.Name + ":" + n.ProviderEventID
		ok, err := r.claims.Claim(ctx, key, r.claimTTL)
		if err != nil {
			r.log.WarnContext(ctx, "webhook: claim unavailable, applying without it", "module", "webhook", "error", err)
		} else if !ok {
			return Outcome{EventID: stored.ID, Gateway: g.Name, ProviderEventID: n.ProviderEventID, Status: OutcomeInFlight, Reference: n.Reference}, nil
		} else {
			defer func() { _ = r.claims.Release(context.WithoutCancel(ctx), key) }()
		}
	}

	return r.apply(ctx, stored.ID)
}

// Retry re-applies a stored event. It returns ErrStillUnmatched while the reference is unknown
// so the job runner backs off and tries again.
func (r *Reconciler) Retry(ctx context.Context, eventID string) (Outcome, error) {
	out, err := r.backend.ApplyEvent(ctx, eventID)
	if err != nil {
		return out, err
	}
	if out.Status == OutcomeUnmatched {
		return out, ErrStillUnmatched
	}
	r.log.InfoContext(ctx, "webhook: retry applied", "module", "webhook", "operation", "retry", "outcome", string(out.Status), "event_id", eventID)
	return out, nil
}

func (r *Reconciler) apply(ctx context.Context, eventID string) (Outcome, error) {
	out, err := r.backend.ApplyEvent(ctx, eventID)
	if err != nil {
		return Outcome{}, err
	}
	attrs := []any{"module", "webhook", "operation", "apply", "outcome", string(out.Status),
		"event_id", out.EventID, "reference", out.Reference, "transaction_id", out.TransactionID}
	switch out.Status {
	case OutcomeUnmatched:
		r.log.WarnContext(ctx, "webhook: no transaction for reference yet", attrs...)
		if r.retries != nil {
			if err := r.retries.ScheduleRetry(ctx, eventID, r.retryDelay); err != nil {
				r.log.ErrorContext(ctx, "webhook: schedule retry failed", "module", "webhook", "event_id", eventID, "error", err)
			}
		}
	case OutcomeRejected:
		r.log.WarnContext(ctx, "webhook: event rejected", append(attrs, "detail", out.Detail)...)
	default:
		r.log.InfoContext(ctx, "webhook: event processed", attrs...)
	}
	return out, nil
}

// CachedOutcome decodes the outcome stored on an applied event and marks it as a duplicate.
func CachedOutcome(ev Event) (Outcome, error) {
	var out Outcome
	if len(ev.Outcome) > 0 {
		if err := json.Unmarshal(ev.Outcome, &out); err != nil {
			return Outcome{}, err
		}
	}
	out.EventID = ev.ID
	out.Gateway = ev.Gateway
	out.ProviderEventID = ev.ProviderEventID
	out.Status = OutcomeDuplicate
	return out, nil
}
