package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-orchestrator/internal/eventbus"
	"github.com/vnmchuo/llm-orchestrator/internal/httpapi"
	"github.com/vnmchuo/llm-orchestrator/internal/runstore"
	"github.com/vnmchuo/llm-orchestrator/internal/telemetry"
	"github.com/vnmchuo/llm-orchestrator/internal/worker"
	"github.com/vnmchuo/llm-orchestrator/pkg/ratelimit"
)

const jobQueueCapacity = 64

func newServeCommand(ctx *commandContext) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), ctx, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply database migrations before serving")
	return cmd
}

func serve(parent context.Context, c *commandContext, migrate bool) error {
	cfg, logger := c.config, c.logger
	if err := cfg.RequireStorage(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(serviceName, serviceVersion, cfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()
	metrics := telemetry.NewMetrics()

	if migrate {
		if err := runstore.RunMigrations(cfg.PostgresDSN); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("Redis connected")

	events, err := eventbus.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("run events disabled", "error", err)
		events = eventbus.Nop{}
	}
	defer events.Close()

	store := runstore.NewCachedStore(runstore.NewPostgresStore(pool), rdb, logger)
	client, router, err := c.newClient(metrics)
	if err != nil {
		return err
	}
	board, err := c.newStoryboard(client, store, metrics)
	if err != nil {
		return err
	}

	jobs := worker.NewPool(jobQueueCapacity,
		worker.WithWorkers(cfg.JobWorkers),
		worker.WithJobTimeout(cfg.RequestTimeout),
		worker.WithRetention(cfg.JobRetention, 0),
		worker.WithEvents(events),
		worker.WithMetrics(metrics),
		worker.WithLogger(logger),
	)
	jobsDone := make(chan error, 1)
	go func() { jobsDone <- jobs.Run(ctx) }()

	handler := httpapi.NewHandler(client, board,
		httpapi.WithRouter(router),
		httpapi.WithStore(store),
		httpapi.WithJobs(jobs),
		httpapi.WithLimiter(ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)),
		httpapi.WithMetrics(metrics),
		httpapi.WithLogger(logger),
		httpapi.WithTracer(otel.Tracer(telemetry.TracerName)),
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("orchestrator starting", "port", cfg.Port, "route", router.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	stop()
	<-jobsDone
	logger.Info("server stopped")
	return nil
}
