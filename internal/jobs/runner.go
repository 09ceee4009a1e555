package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Runner owns the asynq server and the periodic scheduler.
type Runner struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	worker    *Worker
	log       *slog.Logger
}

// NewRunner registers the sweeps every interval.
func NewRunner(opt asynq.RedisConnOpt, worker *Worker, interval time.Duration, log *slog.Logger) (*Runner, error) {
	if log == nil {
		log = slog.Default()
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			QueueWebhooks: 10,
			QueueSweeps:   5,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			log.WarnContext(ctx, "jobs: task failed", "module", "jobs", "task", t.Type(), "retried", retried, "error", err)
		}),
	})

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	spec := fmt.Sprintf("@every %s", interval)
	for _, taskType := range []string{TaskAutoReleaseSweep, TaskDisputeDeadlineSweep, TaskRetryUnmatched} {
		if _, err := scheduler.Register(spec, asynq.NewTask(taskType, nil), asynq.Queue(QueueSweeps), asynq.MaxRetry(0), asynq.Unique(interval)); err != nil {
			return nil, fmt.Errorf("register %s: %w", taskType, err)
		}
	}
	return &Runner{server: server, scheduler: scheduler, worker: worker, log: log}, nil
}

// Start runs the server and the scheduler in the background.
func (r *Runner) Start() error {
	if err := r.server.Start(r.worker.Mux()); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := r.scheduler.Start(); err != nil {
		r.server.Shutdown()
		return fmt.Errorf("start scheduler: %w", err)
	}
	r.log.Info("jobs: asynq worker started", "module", "jobs")
	return nil
}

func (r *Runner) Shutdown() {
	r.scheduler.Shutdown()
	r.server.Shutdown()
}
