package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/endpoint"
	"github.com/ehr/acquisition/internal/domain/orchestrator"
	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/platform/db"
	"github.com/ehr/acquisition/internal/platform/middleware"
	"github.com/ehr/acquisition/internal/platform/notification"
	"github.com/ehr/acquisition/internal/platform/queue"
	"github.com/ehr/acquisition/internal/platform/scheduling"
	"github.com/ehr/acquisition/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "acquisition-server",
		Short: "FHIR data acquisition engine",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(importCmd())
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the audit API and the periodic tail sweep and reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			noJobs, _ := cmd.Flags().GetBool("no-jobs")
			return runServer(noJobs)
		},
	}
	cmd.Flags().Bool("no-jobs", false, "Do not run the tail sweep and reaper in this process")
	return cmd
}

func runServer(noJobs bool) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	var sched *scheduling.Scheduler
	if !noJobs {
		sched, err = a.scheduler()
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
		a.logger.Info().
			Str("tail_sweep", a.cfg.TailSweepSchedule).
			Str("reaper", a.cfg.ReaperSchedule).
			Msg("scheduler started")
	}

	e := newEcho(a, sched)

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if a.cfg.TLSEnabled {
			err = e.StartTLS(addr, a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

func newEcho(a *app, sched *scheduling.Scheduler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = 15 * time.Second
	e.Server.WriteTimeout = 60 * time.Second

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.HealthHandler(a.healthChecks()...))
	e.GET("/health/db", db.PoolStatsHandler(a.pool))
	e.GET("/metrics", a.metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.APIRateLimitRPS,
		BurstSize:         a.cfg.APIRateLimitBurst,
	}))
	acquisition.NewHandler(acquisition.NewService(a.units)).RegisterRoutes(apiV1)
	queryplan.NewHandler(a.plans).RegisterRoutes(apiV1)
	endpoint.NewHandler(a.endpoints).RegisterRoutes(apiV1)
	orchestrator.NewHandler(a.orch).RegisterRoutes(apiV1)
	apiV1.GET("/notifications/deliveries", deliveriesHandler(a.dispatcher))
	if sched != nil {
		apiV1.GET("/jobs", func(c echo.Context) error {
			return c.JSON(http.StatusOK, sched.Stats())
		})
	}
	return e
}

// deliveriesHandler lists the most recent notification deliveries of this
// process, newest last.
func deliveriesHandler(d *notification.Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 100
		if v := c.QueryParam("_count"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid _count")
			}
			limit = n
		}
		return c.JSON(http.StatusOK, map[string]any{
			"stats":      d.Stats(),
			"deliveries": d.Deliveries(limit),
		})
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume acquisition work items from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, appOptions{broker: true})
			if err != nil {
				return err
			}
			defer a.Close()

			listener := orchestrator.NewListener(a.orch, a.pub, a.cfg.WorkQueue, a.cfg.RetryDelay, a.component("listener"), a.metrics)
			consumer := queue.NewConsumer(queue.ConsumerConfig{
				Queue:       a.cfg.WorkQueue,
				Prefetch:    a.cfg.WorkerPrefetch,
				Concurrency: a.cfg.WorkerConcurrency,
			}, listener.Handle, a.pub, a.component("consumer"))

			a.logger.Info().
				Str("queue", a.cfg.WorkQueue).
				Int("concurrency", a.cfg.WorkerConcurrency).
				Msg("worker started")
			if err := consumer.Run(ctx, a.amqp); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			a.logger.Info().Msg("worker stopped")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one tail sweep (and optionally the stale-unit reaper) and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			reap, _ := cmd.Flags().GetBool("reap")

			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if reap {
				n, err := acquisition.NewReaper(a.units, a.component("reaper"), a.metrics, a.cfg.StaleUnitAfter).Reap(ctx)
				if err != nil {
					return fmt.Errorf("reap: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reaped %d stale unit(s).\n", n)
			}
			res, err := acquisition.NewDetector(a.units, a.notifier, a.component("tail"), a.metrics, a.cfg.TailSweepBatch).Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Eligible %d, sent %d, lost %d, failed %d.\n", res.Eligible, res.Sent, res.Lost, res.Failed)
			return nil
		},
	}
	cmd.Flags().Bool("reap", false, "Also fail units that made no progress before the stale cutoff")
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <facilityId>",
		Short: "Check a facility's endpoint configuration and connectivity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")

			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.Validate(ctx, args[0], patientID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("facility %s failed validation", args[0])
			}
			return nil
		},
	}
	cmd.Flags().String("patient", "", "Patient id to read as part of the check")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if schema == "" {
				schema = a.cfg.DBSchema
			}
			if err := db.EnsureSchema(ctx, a.pool, schema); err != nil {
				return err
			}

			migrator := db.NewMigrator(a.pool, migrations.FS)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if schema == "" {
				schema = a.cfg.DBSchema
			}

			statuses, err := db.NewMigrator(a.pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.Drifted {
						status = "drifted"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}
