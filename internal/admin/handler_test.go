package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sudo-init-do/crafthub-escrow/internal/dispute"
	"github.com/sudo-init-do/crafthub-escrow/internal/escrow"
	"github.com/sudo-init-do/crafthub-escrow/internal/ledger"
	"github.com/sudo-init-do/crafthub-escrow/internal/money"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
	"github.com/sudo-init-do/crafthub-escrow/internal/store/memory"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

type fixture struct {
	e       *echo.Echo
	svc     *orchestrator.Service
	rec     *webhook.Reconciler
	gateway webhook.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := orchestrator.New(orchestrator.Dependencies{
		Store:  memory.New(),
		Logger: logger,
		Clock:  func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
		Config: orchestrator.Config{DefaultAutoReleaseAfter: 72 * time.Hour},
	})
	if err != nil {
		t.Fatal(err)
	}
	gw := webhook.Gateway{Name: "paystack", Scheme: webhook.SchemePaystack, Secret: "sk_test"}
	rec := webhook.NewReconciler(webhook.Options{
		Gateways: map[string]webhook.Gateway{"paystack": gw},
		Backend:  svc,
		Logger:   logger,
	})
	e := echo.New()
	g := e.Group("/admin")
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user_id", c.Request().Header.Get("X-User"))
			c.Set("role", c.Request().Header.Get("X-Role"))
			return next(c)
		}
	})
	h := NewHandler(svc, rec)
	h.now = func() time.Time { return time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC) }
	h.Register(g)
	return &fixture{e: e, svc: svc, rec: rec, gateway: gw}
}

func (f *fixture) post(t *testing.T, path, role, body string) (int, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-User", "arb-1")
	req.Header.Set("X-Role", role)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	var out map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return rec.Code, out
}

// disputed opens and funds an account and has the buyer raise a dispute on it.
func (f *fixture) disputed(t *testing.T, order string) (escrow.Account, dispute.Case) {
	t.Helper()
	ctx := context.Background()
	acct, err := f.svc.OpenEscrow(ctx, orchestrator.OpenRequest{
		OrderID:     order,
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		TotalAmount: money.MustNew("500.00", "NGN"),
		Milestones: []escrow.Allocation{
			{StageKey: "cut", Percentage: decimal.NewFromInt(50)},
			{StageKey: "ship", Percentage: decimal.NewFromInt(50)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	capture, err := f.svc.InitiateCapture(ctx, acct.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(map[string]any{
		"event": "charge.success",
		"data": map[string]any{
			"id":        "evt-" + capture.ID,
			"reference": capture.ExternalReference,
			"amount":    capture.Amount.Minor(),
			"currency":  capture.Amount.Currency,
		},
	})
	if out, err := f.rec.Ingest(ctx, "paystack", body, f.gateway.Sign(body)); err != nil || out.Status != webhook.OutcomeApplied {
		t.Fatalf("fund: %+v %v", out, err)
	}
	c, err := f.svc.RaiseDispute(ctx, orchestrator.RaiseRequest{
		AccountID: acct.ID, RaisedBy: "buyer-1", Kind: dispute.KindQuality, Description: "wrong size",
	})
	if err != nil {
		t.Fatal(err)
	}
	return acct, c
}

func TestResolveDisputeRequiresArbitrator(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, c := f.disputed(t, "order-1")

	code, out := f.post(t, "/admin/disputes/"+c.ID+"/resolve", "seller", `{"resolution":"release_seller"}`)
	if code != http.StatusForbidden || string(out["kind"]) != `"forbidden"` {
		t.Fatalf("seller resolving: %d %v", code, out)
	}
}

func TestResolveDisputeRefund(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, c := f.disputed(t, "order-2")

	code, out := f.post(t, "/admin/disputes/"+c.ID+"/resolve", "arbitrator",
		`{"resolution":"partial_refund","amount":{"amount":"900.00","currency":"NGN"}}`)
	if code != http.StatusConflict {
		t.Fatalf("refund above held: %d %v", code, out)
	}

	code, out = f.post(t, "/admin/disputes/"+c.ID+"/resolve", "arbitrator",
		`{"resolution":"partial_refund","amount":{"amount":"200.00","currency":"NGN"},"notes":"split"}`)
	if code != http.StatusOK {
		t.Fatalf("resolve: %d %s", code, out["error"])
	}
	var tx ledger.Transaction
	if err := json.Unmarshal(out["transaction"], &tx); err != nil {
		t.Fatal(err)
	}
	if tx.Kind != ledger.KindRefund || !tx.Amount.Equal(money.MustNew("200", "NGN")) {
		t.Fatalf("resolution transaction = %+v", tx)
	}

	code, out = f.post(t, "/admin/disputes/"+c.ID+"/close", "admin", `{}`)
	if code != http.StatusOK {
		t.Fatalf("close: %d %s", code, out["error"])
	}
}

func TestTransitionDispute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, c := f.disputed(t, "order-3")

	tests := []struct {
		status string
		want   int
	}{
		{"investigating", http.StatusOK},
		{"resolved", http.StatusConflict},
		{"awaiting_response", http.StatusOK},
	}
	for _, tt := range tests {
		code, out := f.post(t, "/admin/disputes/"+c.ID+"/transition", "arbitrator", `{"status":"`+tt.status+`"}`)
		if code != tt.want {
			t.Fatalf("to %s: %d %v", tt.status, code, out)
		}
	}
	if code, _ := f.post(t, "/admin/disputes/missing/transition", "arbitrator", `{"status":"investigating"}`); code != http.StatusNotFound {
		t.Fatalf("missing case: %d", code)
	}
}

func TestSweepsAndRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.disputed(t, "order-4")

	code, out := f.post(t, "/admin/sweeps/dispute-deadlines", "admin", `{}`)
	if code != http.StatusOK || string(out["applied"]) != "1" {
		t.Fatalf("deadline sweep: %d %v", code, out)
	}
	code, out = f.post(t, "/admin/sweeps/auto-release", "admin", `{}`)
	if code != http.StatusOK || string(out["examined"]) != "0" {
		t.Fatalf("auto-release sweep: %d %v", code, out)
	}
	if code, _ := f.post(t, "/admin/webhooks/retry-unmatched", "admin", `{}`); code != http.StatusOK {
		t.Fatalf("retry unmatched: %d", code)
	}
	if code, _ := f.post(t, "/admin/webhooks/events/missing/retry", "admin", `{}`); code != http.StatusNotFound {
		t.Fatalf("retry missing event: %d", code)
	}
	if code, _ := f.post(t, "/admin/transactions/missing/reference", "admin", `{"reference":"PSK-1"}`); code != http.StatusNotFound {
		t.Fatalf("attach to missing transaction: %d", code)
	}
}
