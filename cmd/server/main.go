package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sudo-init-do/crafthub-escrow/internal/admin"
	"github.com/sudo-init-do/crafthub-escrow/internal/cache"
	"github.com/sudo-init-do/crafthub-escrow/internal/config"
	"github.com/sudo-init-do/crafthub-escrow/internal/db"
	"github.com/sudo-init-do/crafthub-escrow/internal/events"
	"github.com/sudo-init-do/crafthub-escrow/internal/jobs"
	"github.com/sudo-init-do/crafthub-escrow/internal/marketplace"
	"github.com/sudo-init-do/crafthub-escrow/internal/messaging"
	mware "github.com/sudo-init-do/crafthub-escrow/internal/middleware"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
	"github.com/sudo-init-do/crafthub-escrow/internal/store"
	"github.com/sudo-init-do/crafthub-escrow/internal/store/memory"
	"github.com/sudo-init-do/crafthub-escrow/internal/webhook"
)

func main() {
	cfg, err := config.Load(envOr("ESCROW_CONFIG", "config.yaml"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := cfg.Logger()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var st store.Store
	switch cfg.Store {
	case "memory":
		log.Warn("using in-memory store; state is lost on restart")
		st = memory.New()
	default:
		pool, err := db.Connect(ctx, cfg.Database.DSN())
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := db.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		log.Info("connected to Postgres")
		st = db.New(pool, log)
	}

	hub := messaging.NewHub(log)
	publisher := events.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer kp.Close()
		publisher = append(publisher, kp)
	}

	svc, err := orchestrator.New(orchestrator.Dependencies{
		Store:     st,
		Publisher: publisher,
		Logger:    log,
		Config:    cfg.Orchestrator(),
	})
	if err != nil {
		return err
	}

	opts := webhook.Options{
		Gateways:   cfg.Gateways,
		Backend:    svc,
		RetryDelay: cfg.Escrow.UnmatchedRetryAfter,
		Logger:     log,
	}
	var redisOpt asynq.RedisConnOpt
	if cfg.Workers {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable; webhook claims disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			opts.Claims = cache.NewClaims(rdb)
		}

		if redisOpt, err = jobs.RedisOpt(cfg.RedisAddr); err != nil {
			return err
		}
		client := jobs.NewClient(redisOpt)
		defer client.Close()
		opts.Retries = client
	}
	rec := webhook.NewReconciler(opts)

	if redisOpt != nil {
		runner, err := jobs.NewRunner(redisOpt, jobs.NewWorker(svc, rec, log), cfg.Escrow.SweepInterval, log)
		if err != nil {
			return err
		}
		if err := runner.Start(); err != nil {
			return err
		}
		defer runner.Shutdown()
	} else {
		log.Warn("background workers disabled; sweeping in-process")
		go jobs.NewWorker(svc, rec, log).RunLocal(ctx, cfg.Escrow.SweepInterval)
	}

	e := newRouter(cfg, st, svc, rec, hub)

	errCh := make(chan error, 1)
	go func() {
		log.Info("escrow server listening", "port", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newRouter(cfg config.Config, st store.Store, svc *orchestrator.Service, rec *webhook.Reconciler, hub *messaging.Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Basic middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())

	// Health and root routes
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "service": "crafthub-escrow"})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/ready", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "store unreachable"})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	})

	// Gateway notifications are authenticated by signature, not JWT
	e.POST("/webhooks/:gateway", webhook.Handler(rec))

	secret := []byte(cfg.JWTSecret)

	// Protected routes
	api := e.Group("")
	api.Use(mware.JWT(secret))
	marketplace.NewHandler(svc).Register(api)
	api.GET("/escrow/accounts/:id/stream", hub.Stream(svc))

	// Arbitrator routes
	adminGroup := e.Group("/admin")
	adminGroup.Use(mware.JWT(secret))
	adminGroup.Use(mware.RequireRoles(orchestrator.RoleArbitrator, orchestrator.RoleAdmin))
	admin.NewHandler(svc, rec).Register(adminGroup)

	return e
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
