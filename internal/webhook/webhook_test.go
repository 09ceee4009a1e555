package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
)

func TestVerify(t *testing.T) {
	t.Parallel()

	body := []byte(`{"event":"charge.success"}`)
	paystack := Gateway{Name: "paystack", Scheme: SchemePaystack, Secret: "sk_live"}
	generic := Gateway{Name: "flutter", Scheme: SchemeHMACSHA256, Secret: "whsec"}

	tests := []struct {
		name    string
		gateway Gateway
		sig     string
		wantErr bool
	}{
		{name: "paystack_ok", gateway: paystack, sig: paystack.Sign(body)},
		{name: "generic_ok", gateway: generic, sig: generic.Sign(body)},
		{name: "generic_prefixed", gateway: generic, sig: "sha256=" + generic.Sign(body)},
		{name: "wrong_secret", gateway: paystack, sig: Gateway{Scheme: SchemePaystack, Secret: "other"}.Sign(body), wantErr: true},
		{name: "empty_signature", gateway: paystack, sig: "", wantErr: true},
		{name: "not_hex", gateway: generic, sig: "zz-not-hex", wantErr: true},
		{name: "no_secret_fails_closed", gateway: Gateway{Scheme: SchemePaystack}, sig: Gateway{Scheme: SchemePaystack}.Sign(body), wantErr: true},
		{name: "unknown_scheme", gateway: Gateway{Scheme: "rsa", Secret: "x"}, sig: "00", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.gateway.Verify(body, tt.sig)
			if tt.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestSignatureHeader(t *testing.T) {
	t.Parallel()
	if h := (Gateway{Scheme: SchemePaystack}).SignatureHeader(); h != "X-Paystack-Signature" {
		t.Fatalf("paystack header %q", h)
	}
	if h := (Gateway{Scheme: SchemeHMACSHA256, Header: "Verif-Hash"}).SignatureHeader(); h != "Verif-Hash" {
		t.Fatalf("configured header %q", h)
	}
}

func TestNormalizeStatus(t *testing.T) {
	t.Parallel()

	tests := map[string]Settlement{
		"success":    SettlementSucceeded,
		"SUCCESSFUL": SettlementSucceeded,
		"reversed":   SettlementFailed,
		"abandoned":  SettlementFailed,
		" pending ":  SettlementProcessing,
		"ongoing":    SettlementProcessing,
		"disputed":   SettlementUnknown,
		"":           SettlementUnknown,
	}
	for raw, want := range tests {
		if got := NormalizeStatus(raw); got != want {
			t.Errorf("NormalizeStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestParsePaystack(t *testing.T) {
	t.Parallel()
	g := Gateway{Scheme: SchemePaystack}

	n, err := Parse(g, []byte(`{"event":"charge.success","data":{"id":302961,"status":"success","reference":"ESC-1","amount":150050,"currency":"GHS","paid_at":"2026-03-01T10:00:00.000Z"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.ProviderEventID != "charge.success:302961" || n.Reference != "ESC-1" || n.Status != SettlementSucceeded {
		t.Fatalf("notification %+v", n)
	}
	if n.Amount == nil || !n.Amount.Equal(money.MustNew("1500.50", "GHS")) {
		t.Fatalf("amount %v", n.Amount)
	}
	if !n.OccurredAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("occurred at %s", n.OccurredAt)
	}

	n, err = Parse(g, []byte(`{"event":"transfer.reversed","data":{"transfer_code":"TRF_1"}}`))
	if err != nil {
		t.Fatalf("Parse transfer: %v", err)
	}
	if n.Reference != "TRF_1" || n.ProviderEventID != "transfer.reversed:TRF_1" || n.Status != SettlementFailed || n.Amount != nil {
		t.Fatalf("transfer notification %+v", n)
	}

	for _, body := range []string{`{"event":`, `{"event":"charge.success","data":{}}`, `{"data":{"reference":"x"}}`} {
		if _, err := Parse(g, []byte(body)); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Parse(%s): expected ErrMalformedPayload, got %v", body, err)
		}
	}
}

func TestParseGeneric(t *testing.T) {
	t.Parallel()
	n, err := Parse(Gateway{Scheme: SchemeHMACSHA256}, []byte(`{"id":"evt_9","type":"payment.updated","created_at":"2026-03-02T08:00:00Z","data":{"reference":"ESC-9","status":"completed","amount":"99.99","currency":"ngn"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.ProviderEventID != "evt_9" || n.Status != SettlementSucceeded || n.Amount == nil || !n.Amount.Equal(money.MustNew("99.99", "NGN")) {
		t.Fatalf("notification %+v", n)
	}
}

// fakeBackend records events in memory and applies them with a canned outcome.
type fakeBackend struct {
	mu      sync.Mutex
	events  map[string]Event
	byKey   map[string]string
	outcome OutcomeStatus
	applies int
}

func newFakeBackend(outcome OutcomeStatus) *fakeBackend {
	return &fakeBackend{events: map[string]Event{}, byKey: map[string]string{}, outcome: outcome}
}

func (b *fakeBackend) RecordEvent(_ context.Context, ev Event) (Event, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := ev.Gateway + ":" + ev.ProviderEventID
	if ev.Deduplicated() {
		if id, ok := b.byKey[key]; ok {
			return b.events[id], false, nil
		}
	}
	ev.ID = uuid.NewString()
	b.events[ev.ID] = ev
	if ev.Deduplicated() {
		b.byKey[key] = ev.ID
	}
	return ev, true, nil
}

func (b *fakeBackend) ApplyEvent(_ context.Context, eventID string) (Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applies++
	ev := b.events[eventID]
	out := Outcome{EventID: ev.ID, Gateway: ev.Gateway, ProviderEventID: ev.ProviderEventID, Status: b.outcome, Reference: ev.Reference}
	if b.outcome == OutcomeApplied {
		ev.Applied = true
		ev.Outcome = []byte(`{"status":"applied","transaction_id":"tx-1"}`)
		b.events[eventID] = ev
	}
	return out, nil
}

type fakeRetries struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRetries) ScheduleRetry(_ context.Context, eventID string, _ time.Duration) error {
	f.mu.Lock()
	f.ids = append(f.ids, eventID)
	f.mu.Unlock()
	return nil
}

type fakeClaims struct{ held map[string]bool }

func (f *fakeClaims) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeClaims) Release(_ context.Context, key string) error {
	delete(f.held, key)
	return nil
}

var testGateway = Gateway{Name: "paystack", Scheme: SchemePaystack, Secret: "sk_test"}

const chargeBody = `{"event":"charge.success","data":{"id":1,"reference":"ESC-1","status":"success"}}`

func TestIngestDeduplicatesAppliedEvents(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend(OutcomeApplied)
	r := NewReconciler(Options{Gateways: map[string]Gateway{"Paystack": testGateway}, Backend: backend})

	body := []byte(chargeBody)
	first, err := r.Ingest(context.Background(), "paystack", body, testGateway.Sign(body))
	if err != nil || first.Status != OutcomeApplied {
		t.Fatalf("first %+v, %v", first, err)
	}
	second, err := r.Ingest(context.Background(), "PAYSTACK", body, testGateway.Sign(body))
	if err != nil || second.Status != OutcomeDuplicate || second.TransactionID != "tx-1" {
		t.Fatalf("second %+v, %v", second, err)
	}
	if backend.applies != 1 {
		t.Fatalf("expected one apply, got %d", backend.applies)
	}
}

func TestIngestInvalidSignatureStoresUnverifiedEvent(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend(OutcomeApplied)
	r := NewReconciler(Options{Gateways: map[string]Gateway{"paystack": testGateway}, Backend: backend})

	body := []byte(chargeBody)
	out, err := r.Ingest(context.Background(), "paystack", body, "deadbeef")
	if !errors.Is(err, ErrInvalidSignature) || out.Status != OutcomeInvalidSignature {
		t.Fatalf("outcome %+v, %v", out, err)
	}
	ev := backend.events[out.EventID]
	if ev.SignatureValid || ev.Applied || ev.ApplyError != ApplyErrInvalidSignature || ev.Reference != "ESC-1" {
		t.Fatalf("stored event %+v", ev)
	}
	if backend.applies != 0 {
		t.Fatalf("unverified event was applied")
	}

	if _, err := r.Ingest(context.Background(), "unknown", body, testGateway.Sign(body)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("unknown gateway: expected ErrInvalidSignature, got %v", err)
	}
}

func TestIngestUnmatchedSchedulesRetry(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend(OutcomeUnmatched)
	retries := &fakeRetries{}
	r := NewReconciler(Options{Gateways: map[string]Gateway{"paystack": testGateway}, Backend: backend, Retries: retries})

	body := []byte(chargeBody)
	out, err := r.Ingest(context.Background(), "paystack", body, testGateway.Sign(body))
	if err != nil || out.Status != OutcomeUnmatched {
		t.Fatalf("outcome %+v, %v", out, err)
	}
	if len(retries.ids) != 1 || retries.ids[0] != out.EventID {
		t.Fatalf("retries %v", retries.ids)
	}
	if _, err := r.Retry(context.Background(), out.EventID); !errors.Is(err, ErrStillUnmatched) {
		t.Fatalf("expected ErrStillUnmatched, got %v", err)
	}
}

func TestIngestInFlightClaim(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend(OutcomeApplied)
	claims := &fakeClaims{held: map[string]bool{"webhook:claim:paystack:charge.success:1": true}}
	r := NewReconciler(Options{Gateways: map[string]Gateway{"paystack": testGateway}, Backend: backend, Claims: claims})

	body := []byte(chargeBody)
	out, err := r.Ingest(context.Background(), "paystack", body, testGateway.Sign(body))
	if err != nil || out.Status != OutcomeInFlight {
		t.Fatalf("outcome %+v, %v", out, err)
	}
	if backend.applies != 0 {
		t.Fatalf("claimed event was applied")
	}

	delete(claims.held, "webhook:claim:paystack:charge.success:1")
	out, err = r.Ingest(context.Background(), "paystack", body, testGateway.Sign(body))
	if err != nil || out.Status != OutcomeApplied {
		t.Fatalf("outcome %+v, %v", out, err)
	}
	if len(claims.held) != 0 {
		t.Fatalf("claim not released: %v", claims.held)
	}
}
