// Package app wires the broker, job queues, event bus, gateway and HTTP
// host into one process.
package app

import (
	"context"
	"fmt"

	"github.com/alihesham01/chronizer/batch"
	"github.com/alihesham01/chronizer/broker"
	"github.com/alihesham01/chronizer/cache"
	"github.com/alihesham01/chronizer/config"
	"github.com/alihesham01/chronizer/eventbus"
	"github.com/alihesham01/chronizer/gateway"
	"github.com/alihesham01/chronizer/internal/backoff"
	"github.com/alihesham01/chronizer/jobqueue"
	"github.com/alihesham01/chronizer/locker"
	"github.com/alihesham01/chronizer/observability/metrics"
	"github.com/alihesham01/chronizer/storage"
	"github.com/alihesham01/chronizer/web"
	"github.com/alihesham01/chronizer/web/middleware"
	"github.com/coocood/freecache"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type App struct {
	lg  *zap.Logger
	cfg config.Config

	Broker  *broker.Manager
	Cache   cache.Cache
	Store   *storage.Store
	Bus     *eventbus.Bus
	Jobs    *jobqueue.Service
	Gateway *gateway.Gateway
	Web     *web.Server
}

type options struct {
	exporter *metrics.MetricExporter
	listen   bool
}

type Option func(*options)

// WithMetrics routes component instruments through exporter and registers
// the queue depth and client gauges on it.
func WithMetrics(exporter *metrics.MetricExporter) Option {
	return func(o *options) {
		o.exporter = exporter
	}
}

// WithoutListener builds the HTTP handler without binding a port.
func WithoutListener() Option {
	return func(o *options) {
		o.listen = false
	}
}

func New(ctx context.Context, lg *zap.Logger, cfg config.Config, opts ...Option) (a *App, err error) {
	o := options{listen: true}
	for _, opt := range opts {
		opt(&o)
	}
	var meter metric.Meter = noop.NewMeterProvider().Meter("chronizer")
	if o.exporter != nil {
		meter = o.exporter.Meter()
	}

	a = &App{lg: lg, cfg: cfg}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Shutdown(context.WithoutCancel(ctx)))
			a = nil
		}
	}()

	if a.Broker, err = broker.New(lg, brokerConfig(cfg.Broker)); err != nil {
		return a, fmt.Errorf("create broker: %w", err)
	}

	switch cfg.Cache.Backend {
	case "memory":
		a.Cache = cache.NewFreeCache(freecache.NewCache(cfg.Cache.MemoryBytes))
	default:
		a.Cache = cache.NewRedisCache(lg, a.Broker.Command())
	}
	lock := locker.NewRedisLocker(lg, a.Broker.Command().Client())

	if cfg.Storage.PostgresDSN != "" {
		if err = storage.Migrate(lg, cfg.Storage.PostgresDSN, cfg.Storage.MigrationsPath); err != nil {
			return a, err
		}
		if a.Store, err = storage.New(ctx, lg, storage.Config{DSN: cfg.Storage.PostgresDSN}); err != nil {
			return a, fmt.Errorf("create storage: %w", err)
		}
	} else {
		lg.Warn("POSTGRES_DSN not set, record handlers are disabled")
	}

	if a.Bus, err = eventbus.New(lg, a.Broker,
		eventbus.WithCleanupInterval(cfg.Bus.CleanupInterval),
		eventbus.WithHandlerTimeout(cfg.Bus.HandlerTimeout),
		eventbus.WithQueueSize(cfg.Bus.QueueSize),
		eventbus.WithMeter(meter),
	); err != nil {
		return a, fmt.Errorf("create event bus: %w", err)
	}

	if a.Jobs, err = jobqueue.New(lg, a.Broker, queueConfig(cfg), jobqueue.WithPublisher(a.Bus),
		jobqueue.WithLocker(lock),
		jobqueue.WithMeter(meter),
	); err != nil {
		return a, fmt.Errorf("create job service: %w", err)
	}
	for _, name := range []string{cfg.Queue.RecordsQueue, cfg.Queue.BulkQueue} {
		if _, err = a.Jobs.CreateQueue(name,
			jobqueue.WithConcurrency(cfg.Queue.QueueConcurrency(name)),
			jobqueue.WithRateLimit(cfg.Queue.QueueRateLimit(name)),
		); err != nil {
			return a, fmt.Errorf("create queue %s: %w", name, err)
		}
	}

	if a.Store != nil {
		worker := batch.New(lg, storage.NewRecords(lg, a.Store), a.Cache, a.Bus,
			batch.WithChunkSize(cfg.Batch.ChunkSize),
			batch.WithMeter(meter),
		)
		for _, name := range []string{cfg.Queue.RecordsQueue, cfg.Queue.BulkQueue} {
			if err = a.Jobs.RegisterProcessor(name, worker.Processor()); err != nil {
				return a, fmt.Errorf("register processor on %s: %w", name, err)
			}
		}
	}

	if a.Gateway, err = gateway.New(lg, a.Bus, gatewayConfig(cfg.Gateway), gateway.WithMeter(meter)); err != nil {
		return a, fmt.Errorf("create gateway: %w", err)
	}
	if err = a.Gateway.Start(ctx); err != nil {
		return a, fmt.Errorf("start gateway: %w", err)
	}

	if o.exporter != nil {
		if err = a.registerGauges(o.exporter); err != nil {
			return a, err
		}
	}

	a.Web = web.New(lg,
		web.WithMode(cfg.GinMode),
		web.WithPort(cfg.HTTPPort),
		web.WithMiddleware(middleware.CorrelationIdMiddleware()),
		web.WithMiddleware(middleware.LoggingMiddleware(
			middleware.WithLogger(lg),
			middleware.WithDebugEnabled(cfg.LogLevel < 0),
			middleware.WithExcludePaths("/ws", "/healthcheck"),
		)),
		web.WithHealthCheck(a.healthCheck),
	)
	a.Web.Router().GET("/ws", gin.WrapH(a.Gateway))
	web.RegisterJobRoutes(a.Web.Router(), a.Jobs)

	if o.listen {
		if err = a.Web.Start(); err != nil {
			return a, err
		}
	}
	lg.Info("chronizer started",
		zap.Strings("queues", a.Jobs.Queues()),
		zap.Bool("storage", a.Store != nil),
		zap.String("cache", cfg.Cache.Backend),
	)
	return a, nil
}

func (a *App) healthCheck(context.Context) error {
	if !a.Broker.IsConnected() {
		return broker.ErrNotConnected
	}
	return nil
}

func (a *App) registerGauges(exporter *metrics.MetricExporter) error {
	err := exporter.Gauge("jobqueue.jobs.waiting", "Jobs waiting per queue", "{job}",
		func(ctx context.Context, record func(int64, ...attribute.KeyValue)) error {
			for _, q := range a.Jobs.Queues() {
				stats, err := a.Jobs.GetQueueStats(ctx, q)
				if err != nil {
					a.lg.Debug("skip queue depth sample", zap.String("queue", q), zap.Error(err))
					continue
				}
				record(stats.Waiting+stats.Delayed, attribute.String("queue", q))
			}
			return nil
		})
	if err != nil {
		return err
	}
	return exporter.Gauge("gateway.clients.connected", "Connected realtime clients", "{client}",
		func(_ context.Context, record func(int64, ...attribute.KeyValue)) error {
			record(int64(a.Gateway.GetClientCount()))
			return nil
		})
}

// Shutdown stops intake first, then workers, then the transports they use.
// Every step runs even when an earlier one fails.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.Web != nil {
		err = multierr.Append(err, a.Web.Shutdown(ctx))
	}
	if a.Gateway != nil {
		err = multierr.Append(err, a.Gateway.Shutdown(ctx))
	}
	if a.Jobs != nil {
		err = multierr.Append(err, a.Jobs.Close(ctx))
	}
	if a.Bus != nil {
		err = multierr.Append(err, a.Bus.Close(ctx))
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if a.Broker != nil {
		err = multierr.Append(err, a.Broker.Shutdown(ctx))
	}
	return err
}

func brokerConfig(c config.BrokerConfig) broker.Config {
	return broker.Config{
		Addr:                 c.Addr,
		Password:             c.Password,
		DB:                   c.DB,
		CommandTimeout:       c.CommandTimeout,
		DialTimeout:          c.DialTimeout,
		InitialRetryDelay:    c.InitialRetryDelay,
		MaxRetryDelay:        c.MaxRetryDelay,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		HealthCheckInterval:  c.HealthCheckInterval,
		OfflineQueue:         c.OfflineQueue,
		OfflineQueueDepth:    c.OfflineQueueDepth,
		ShutdownTimeout:      c.ShutdownTimeout,
	}
}

func queueConfig(c config.Config) jobqueue.Config {
	policy := backoff.Exponential(c.Queue.BackoffDelay)
	return jobqueue.Config{
		KeyPrefix:   c.Broker.KeyPrefix,
		Concurrency: c.Queue.Concurrency,
		RateLimit:   c.Queue.RateLimit,
		DefaultJob: jobqueue.JobOptions{
			Attempts:           c.Queue.Attempts,
			Backoff:            &policy,
			KeepCompletedAge:   c.Queue.KeepCompletedAge,
			KeepCompletedCount: c.Queue.KeepCompletedCount,
			KeepFailedAge:      c.Queue.KeepFailedAge,
		},
		LockDuration:    c.Queue.LockDuration,
		StalledInterval: c.Queue.StalledInterval,
		PollInterval:    c.Queue.PollInterval,
		ShutdownGrace:   c.Queue.ShutdownGrace,
	}
}

func gatewayConfig(c config.GatewayConfig) gateway.Config {
	g := gateway.DefaultConfig()
	g.HeartbeatInterval = c.HeartbeatInterval
	g.ClientTimeout = c.ClientTimeout
	g.SweepInterval = c.SweepInterval
	g.MaxClients = c.MaxClients
	g.MaxSubscriptions = c.MaxSubscriptions
	g.CloseGrace = c.CloseGrace
	g.SendBuffer = c.SendBuffer
	g.AllowedOrigins = c.AllowedOrigins
	return g
}
