package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sudo-init-do/crafthub-escrow/internal/config"
	"github.com/sudo-init-do/crafthub-escrow/internal/db"
	"github.com/sudo-init-do/crafthub-escrow/internal/jobs"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the escrow tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			pool, err := db.Connect(cmd.Context(), cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.EnsureSchema(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

type sweep struct {
	use      string
	short    string
	taskType string
	run      func(ctx context.Context, svc *orchestrator.Service, now time.Time) (orchestrator.SweepReport, error)
}

var sweeps = []sweep{
	{
		use:      "auto-release",
		short:    "Release accrued milestones whose auto-release window has passed",
		taskType: jobs.TaskAutoReleaseSweep,
		run: func(ctx context.Context, svc *orchestrator.Service, now time.Time) (orchestrator.SweepReport, error) {
			return svc.SweepAutoRelease(ctx, now)
		},
	},
	{
		use:      "disputes",
		short:    "Escalate disputes whose response deadline has passed",
		taskType: jobs.TaskDisputeDeadlineSweep,
		run: func(ctx context.Context, svc *orchestrator.Service, now time.Time) (orchestrator.SweepReport, error) {
			return svc.SweepDisputeDeadlines(ctx, now)
		},
	},
	{
		use:      "unmatched",
		short:    "Re-apply verified webhook events that had no matching transaction",
		taskType: jobs.TaskRetryUnmatched,
		run: func(ctx context.Context, svc *orchestrator.Service, _ time.Time) (orchestrator.SweepReport, error) {
			return svc.RetryUnmatched(ctx)
		},
	},
}

func sweepCmd(configPath *string) *cobra.Command {
	var queue bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a periodic sweep once",
	}
	cmd.PersistentFlags().BoolVar(&queue, "queue", false, "enqueue the sweep for the workers instead of running it here")

	for _, sw := range sweeps {
		sw := sw
		cmd.AddCommand(&cobra.Command{
			Use:   sw.use,
			Short: sw.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				if queue {
					return enqueueSweep(cmd.Context(), cfg, sw.taskType, cmd.OutOrStdout())
				}
				return withService(cmd.Context(), cfg, func(svc *orchestrator.Service) error {
					report, err := sw.run(cmd.Context(), svc, time.Now().UTC())
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), report)
				})
			},
		})
	}
	return cmd
}

func retryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [event-id]",
		Short: "Re-apply one stored webhook event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), cfg, func(svc *orchestrator.Service) error {
				rec := webhook.NewReconciler(webhook.Options{Gateways: cfg.Gateways, Backend: svc, Logger: cfg.Logger()})
				out, err := rec.Retry(cmd.Context(), args[0])
				if err != nil && out.EventID == "" {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func withService(ctx context.Context, cfg config.Config, fn func(svc *orchestrator.Service) error) error {
	if cfg.Store != "postgres" {
		return fmt.Errorf("escrowctl needs the postgres store, config has %q", cfg.Store)
	}
	pool, err := db.Connect(ctx, cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer pool.Close()
	log := cfg.Logger()
	svc, err := orchestrator.New(orchestrator.Dependencies{
		Store:  db.New(pool, log),
		Logger: log,
		Config: cfg.Orchestrator(),
	})
	if err != nil {
		return err
	}
	return fn(svc)
}

func enqueueSweep(ctx context.Context, cfg config.Config, taskType string, out io.Writer) error {
	opt, err := jobs.RedisOpt(cfg.RedisAddr)
	if err != nil {
		return err
	}
	client := jobs.NewClient(opt)
	defer client.Close()
	if err := client.EnqueueSweep(ctx, taskType); err != nil {
		return err
	}
	fmt.Fprintf(out, "enqueued %s\n", taskType)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
