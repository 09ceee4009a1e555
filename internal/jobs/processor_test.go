package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

type fakeSweeper struct {
	calls  []string
	report orchestrator.SweepReport
	err    error
	at     time.Time
}

func (f *fakeSweeper) SweepAutoRelease(_ context.Context, now time.Time) (orchestrator.SweepReport, error) {
	f.calls = append(f.calls, "auto_release")
	f.at = now
	return f.report, f.err
}

func (f *fakeSweeper) SweepDisputeDeadlines(_ context.Context, now time.Time) (orchestrator.SweepReport, error) {
	f.calls = append(f.calls, "dispute_deadlines")
	f.at = now
	return f.report, f.err
}

func (f *fakeSweeper) RetryUnmatched(context.Context) (orchestrator.SweepReport, error) {
	f.calls = append(f.calls, "retry_unmatched")
	return f.report, f.err
}

type fakeRetrier struct {
	got []string
	err error
}

func (f *fakeRetrier) Retry(_ context.Context, eventID string) (webhook.Outcome, error) {
	f.got = append(f.got, eventID)
	return webhook.Outcome{EventID: eventID, Status: webhook.OutcomeApplied}, f.err
}

func newTestWorker(s *fakeSweeper, r *fakeRetrier) *Worker {
	w := NewWorker(s, r, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.now = func() time.Time { return time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) }
	return w
}

func TestWebhookRetryTask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		payload   []byte
		retryErr  error
		wantErr   bool
		skipRetry bool
	}{
		{name: "applied", payload: []byte(`{"event_id":"ev-1"}`)},
		{name: "still_unmatched", payload: []byte(`{"event_id":"ev-1"}`), retryErr: webhook.ErrStillUnmatched, wantErr: true},
		{name: "unknown_event", payload: []byte(`{"event_id":"ev-1"}`), retryErr: webhook.ErrNotFound, wantErr: true, skipRetry: true},
		{name: "bad_payload", payload: []byte(`{`), wantErr: true, skipRetry: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &fakeRetrier{err: tt.retryErr}
			w := newTestWorker(&fakeSweeper{}, r)

			err := w.handleWebhookRetry(context.Background(), asynq.NewTask(TaskWebhookRetry, tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, asynq.SkipRetry); got != tt.skipRetry {
				t.Fatalf("SkipRetry = %v, want %v (err %v)", got, tt.skipRetry, err)
			}
			if tt.name != "bad_payload" && (len(r.got) != 1 || r.got[0] != "ev-1") {
				t.Fatalf("retried %v, want [ev-1]", r.got)
			}
		})
	}
}

func TestSweepTasksDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		taskType string
		want     string
	}{
		{TaskAutoReleaseSweep, "auto_release"},
		{TaskDisputeDeadlineSweep, "dispute_deadlines"},
		{TaskRetryUnmatched, "retry_unmatched"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.taskType, func(t *testing.T) {
			t.Parallel()
			s := &fakeSweeper{report: orchestrator.SweepReport{Examined: 2, Applied: 1, Skipped: 1}}
			w := newTestWorker(s, &fakeRetrier{})

			if err := w.Mux().ProcessTask(context.Background(), asynq.NewTask(tt.taskType, nil)); err != nil {
				t.Fatalf("ProcessTask: %v", err)
			}
			if len(s.calls) != 1 || s.calls[0] != tt.want {
				t.Fatalf("calls = %v, want [%s]", s.calls, tt.want)
			}
		})
	}
}

func TestSweepUsesWorkerClock(t *testing.T) {
	t.Parallel()
	s := &fakeSweeper{}
	w := newTestWorker(s, &fakeRetrier{})

	if err := w.handleAutoRelease(context.Background(), asynq.NewTask(TaskAutoReleaseSweep, nil)); err != nil {
		t.Fatal(err)
	}
	if !s.at.Equal(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("sweep time = %v", s.at)
	}
}

func TestSweepErrorPropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New("store down")
	w := newTestWorker(&fakeSweeper{err: boom}, &fakeRetrier{})

	if err := w.handleDisputeDeadlines(context.Background(), asynq.NewTask(TaskDisputeDeadlineSweep, nil)); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestRetryTaskPayload(t *testing.T) {
	t.Parallel()
	task, err := newRetryTask("ev-42")
	if err != nil {
		t.Fatal(err)
	}
	if task.Type() != TaskWebhookRetry {
		t.Fatalf("type = %s", task.Type())
	}
	var p WebhookRetryPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		t.Fatal(err)
	}
	if p.EventID != "ev-42" {
		t.Fatalf("event_id = %q", p.EventID)
	}
}

func TestRunLocalStopsWithContext(t *testing.T) {
	t.Parallel()
	s := &fakeSweeper{}
	w := newTestWorker(s, &fakeRetrier{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.RunLocal(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunLocal did not return after cancel")
	}
	if len(s.calls) != 0 {
		t.Fatalf("sweeps ran before the first tick: %v", s.calls)
	}
}
