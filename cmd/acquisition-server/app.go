package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/config"
	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/endpoint"
	"github.com/ehr/acquisition/internal/domain/orchestrator"
	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/domain/reference"
	"github.com/ehr/acquisition/internal/platform/auth"
	"github.com/ehr/acquisition/internal/platform/cache"
	"github.com/ehr/acquisition/internal/platform/db"
	"github.com/ehr/acquisition/internal/platform/fhirclient"
	"github.com/ehr/acquisition/internal/platform/notification"
	"github.com/ehr/acquisition/internal/platform/queue"
	"github.com/ehr/acquisition/internal/platform/scheduling"
	"github.com/ehr/acquisition/internal/platform/telemetry"
	"github.com/ehr/acquisition/internal/platform/webhook"
)

const version = "0.1.0"

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the process-wide collaborators shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	amqp    *amqp.Connection
	pub     *queue.Publisher
	metrics *telemetry.TelemetryProvider

	endpoints  *endpoint.Service
	plans      *queryplan.Service
	units      acquisition.Repository
	dispatcher *notification.Dispatcher
	notifier   *acquisition.DispatchNotifier
	orch       *orchestrator.Orchestrator
}

type appOptions struct {
	// broker dials RabbitMQ; required by the worker, optional elsewhere.
	broker bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	validate := cfg.Validate
	if opts.broker {
		validate = cfg.ValidateWorker
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg, logger: newLogger(cfg.Env)}
	a.metrics = telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "acquisition-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	a.pool, err = db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	if cfg.RedisURL != "" {
		a.redis, err = cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.logger.Info().Msg("connected to redis")
	}

	if opts.broker || cfg.AMQPURL != "" {
		a.amqp, err = queue.Dial(cfg.AMQPURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pub, err = queue.NewPublisher(a.amqp)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.logger.Info().Msg("connected to rabbitmq")
	}

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	resolverOpts := []auth.Option{auth.WithLogger(a.component("auth"))}
	if a.redis != nil {
		resolverOpts = append(resolverOpts, auth.WithTokenCache(cache.NewTokenCache(a.redis)))
	}
	client := fhirclient.New(auth.NewResolver(resolverOpts...), fhirclient.Config{
		Timeout:       cfg.FHIRRequestTimeout,
		MaxPages:      cfg.FHIRMaxPages,
		RatePerSecond: cfg.FHIRRateLimitRPS,
		Burst:         cfg.FHIRRateLimitBurst,
		MaxConcurrent: cfg.FHIRMaxConcurrent,
	}, fhirclient.WithLogger(a.component("fhirclient")), fhirclient.WithTelemetry(a.metrics))

	sinks := []notification.Sink{notification.NewLogSink(a.component("notification"))}
	if a.pub != nil {
		sinks = append(sinks, queue.NewNotificationSink(a.pub, cfg.NotifyQueue))
	}
	if cfg.NotifyWebhookURL != "" {
		hook, err := webhook.New(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, webhook.WithLogger(a.component("webhook")))
		if err != nil {
			return fmt.Errorf("notification webhook: %w", err)
		}
		sinks = append(sinks, hook)
	}
	a.dispatcher = notification.NewDispatcher(a.component("notification"), a.metrics, sinks...)
	a.notifier = acquisition.NewDispatchNotifier(a.dispatcher)

	a.endpoints = endpoint.NewService(endpoint.NewRepoPG(a.pool))
	a.plans = queryplan.NewService(queryplan.NewRepoPG(a.pool))
	a.units = acquisition.NewRepoPG(a.pool)

	exec := acquisition.NewExecutor(client, a.units,
		acquisition.WithLogger(a.component("executor")),
		acquisition.WithTelemetry(a.metrics),
		acquisition.WithMaxRetries(cfg.MaxRetries),
	)

	var store reference.Store = reference.NewStorePG(a.pool)
	if a.redis != nil {
		store = reference.NewCachedStore(store, cache.NewReferenceCache(a.redis, cfg.ReferenceCacheTTL), a.component("reference"))
	}
	refs := reference.NewResolver(exec, a.units, store, a.notifier,
		reference.WithLogger(a.component("reference")),
		reference.WithTelemetry(a.metrics),
		reference.WithConcurrency(cfg.ReferenceConcurrency),
	)

	a.orch = orchestrator.New(orchestrator.Deps{
		Endpoints:  a.endpoints,
		Plans:      a.plans,
		Units:      a.units,
		Executor:   exec,
		References: refs,
		Notifier:   a.notifier,
		Remote:     client,
		Logger:     a.component("orchestrator"),
		Metrics:    a.metrics,
	})
	return nil
}

func (a *app) component(name string) zerolog.Logger {
	return a.logger.With().Str("component", name).Logger()
}

// healthChecks probes every backing service the process is connected to.
func (a *app) healthChecks() []db.Check {
	checks := []db.Check{db.PoolCheck(a.pool)}
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Probe: cache.Ping(a.redis)})
	}
	if a.amqp != nil {
		conn := a.amqp
		checks = append(checks, db.Check{Name: "rabbitmq", Probe: func(context.Context) error {
			if conn.IsClosed() {
				return fmt.Errorf("connection closed")
			}
			return nil
		}})
	}
	return checks
}

// scheduler builds the tail sweep and stale-unit reaper jobs. With redis
// configured, runs are serialized across replicas by a lock.
func (a *app) scheduler() (*scheduling.Scheduler, error) {
	opts := []scheduling.Option{scheduling.WithLogger(a.component("scheduler"))}
	if a.redis != nil {
		opts = append(opts, scheduling.WithLocker(cache.NewLocker(a.redis)))
	}
	s := scheduling.New(opts...)

	detector := acquisition.NewDetector(a.units, a.notifier, a.component("tail"), a.metrics, a.cfg.TailSweepBatch)
	reaper := acquisition.NewReaper(a.units, a.component("reaper"), a.metrics, a.cfg.StaleUnitAfter)

	if err := s.Add(scheduling.Job{
		Name:     "tail-sweep",
		Schedule: a.cfg.TailSweepSchedule,
		Run: func(ctx context.Context) error {
			_, err := detector.Sweep(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	if err := s.Add(scheduling.Job{
		Name:     "reaper",
		Schedule: a.cfg.ReaperSchedule,
		Run: func(ctx context.Context) error {
			_, err := reaper.Reap(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) Close() {
	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
