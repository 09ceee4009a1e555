package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

// Sweeper is the orchestrator surface the periodic tasks drive.
type Sweeper interface {
	SweepAutoRelease(ctx context.Context, now time.Time) (orchestrator.SweepReport, error)
	SweepDisputeDeadlines(ctx context.Context, now time.Time) (orchestrator.SweepReport, error)
	RetryUnmatched(ctx context.Context) (orchestrator.SweepReport, error)
}

// Retrier re-applies a single stored webhook event.
type Retrier interface {
	Retry(ctx context.Context, eventID string) (webhook.Outcome, error)
}

// Worker holds the task handlers.
type Worker struct {
	sweeper Sweeper
	retrier Retrier
	log     *slog.Logger
	now     func() time.Time
}

func NewWorker(sweeper Sweeper, retrier Retrier, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{sweeper: sweeper, retrier: retrier, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Mux registers every handler.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskWebhookRetry, w.handleWebhookRetry)
	mux.HandleFunc(TaskRetryUnmatched, w.handleRetryUnmatched)
	mux.HandleFunc(TaskAutoReleaseSweep, w.handleAutoRelease)
	mux.HandleFunc(TaskDisputeDeadlineSweep, w.handleDisputeDeadlines)
	return mux
}

func (w *Worker) handleWebhookRetry(ctx context.Context, t *asynq.Task) error {
	var p WebhookRetryPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	_, err := w.retrier.Retry(ctx, p.EventID)
	switch {
	case errors.Is(err, webhook.ErrNotFound):
		return fmt.Errorf("event %s: %v: %w", p.EventID, err, asynq.SkipRetry)
	case err != nil:
		// asynq backs off and retries; the unmatched sweep picks up anything left after MaxRetry.
		return err
	}
	return nil
}

func (w *Worker) handleRetryUnmatched(ctx context.Context, _ *asynq.Task) error {
	return w.logSweep(ctx, "retry_unmatched", func() (orchestrator.SweepReport, error) {
		return w.sweeper.RetryUnmatched(ctx)
	})
}

func (w *Worker) handleAutoRelease(ctx context.Context, _ *asynq.Task) error {
	return w.logSweep(ctx, "sweep_auto_release", func() (orchestrator.SweepReport, error) {
		return w.sweeper.SweepAutoRelease(ctx, w.now())
	})
}

func (w *Worker) handleDisputeDeadlines(ctx context.Context, _ *asynq.Task) error {
	return w.logSweep(ctx, "sweep_dispute_deadlines", func() (orchestrator.SweepReport, error) {
		return w.sweeper.SweepDisputeDeadlines(ctx, w.now())
	})
}

func (w *Worker) logSweep(ctx context.Context, op string, run func() (orchestrator.SweepReport, error)) error {
	report, err := run()
	if err != nil {
		w.log.ErrorContext(ctx, "jobs: sweep failed", "module", "jobs", "operation", op, "outcome", "failure", "error", err)
		return err
	}
	level := slog.LevelInfo
	if report.Failed > 0 {
		level = slog.LevelWarn
	}
	w.log.Log(ctx, level, "jobs: sweep finished", "module", "jobs", "operation", op, "outcome", "success",
		"examined", report.Examined, "applied", report.Applied, "skipped", report.Skipped, "failed", report.Failed)
	return nil
}

// RunLocal drives the sweeps on a ticker instead of the asynq scheduler. It is meant for a
// single replica running without Redis and returns when ctx is done.
func (w *Worker) RunLocal(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.handleAutoRelease(ctx, nil)
			_ = w.handleDisputeDeadlines(ctx, nil)
			_ = w.handleRetryUnmatched(ctx, nil)
		}
	}
}
