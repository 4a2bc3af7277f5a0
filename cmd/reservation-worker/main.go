package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/stockhold/api/controllers"
	"github.com/angelmondragon/stockhold/api/routes"
	"github.com/angelmondragon/stockhold/internal/cron"
	"github.com/angelmondragon/stockhold/internal/diagnostics"
	"github.com/angelmondragon/stockhold/internal/expiry"
	"github.com/angelmondragon/stockhold/internal/inventory"
	"github.com/angelmondragon/stockhold/internal/reconcile"
	"github.com/angelmondragon/stockhold/pkg/config"
	"github.com/angelmondragon/stockhold/pkg/db"
	"github.com/angelmondragon/stockhold/pkg/logger"
	"github.com/angelmondragon/stockhold/pkg/metrics"
	"github.com/angelmondragon/stockhold/pkg/migrate"
	"github.com/angelmondragon/stockhold/pkg/outbox"
	"github.com/angelmondragon/stockhold/pkg/redis"
)

const (
	serviceName     = "reservation-worker"
	shutdownTimeout = 10 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	var (
		lock       cron.Lock
		redisProbe controllers.Pinger
	)
	if redis.Configured(cfg.Redis) {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		lock, err = cron.NewRedisLock(redisClient, redisClient.LockKey(cron.LockName(cfg.App.Env)), cfg.Worker.LockTTL)
		if err != nil {
			logg.Error(ctx, "failed to create worker lock", err)
			os.Exit(1)
		}
		redisProbe = redisClient
	} else {
		logg.Warn(ctx, "redis not configured; using an in-process lock, run a single worker")
		lock = cron.NewLocalLock()
	}

	reservationMetrics := metrics.NewReservationMetrics(prometheus.DefaultRegisterer)
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	store := inventory.NewStore(dbClient.DB())
	outboxRepo := outbox.NewRepository(dbClient.DB())
	emitter := outbox.NewService(outboxRepo, logg)

	sweeper, err := expiry.NewSweeper(expiry.SweeperParams{
		Logger:    logg,
		DB:        dbClient,
		Store:     store,
		Outbox:    emitter,
		Metrics:   reservationMetrics,
		BatchSize: cfg.Reservation.SweepBatchSize,
	})
	requireResource(ctx, logg, "expiry sweeper", err)

	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerParams{
		Logger:  logg,
		DB:      dbClient,
		Store:   store,
		Outbox:  emitter,
		Metrics: reservationMetrics,
		Purger:  sweeper,
	})
	requireResource(ctx, logg, "reconciler", err)

	reporter, err := diagnostics.NewReporter(diagnostics.ReporterParams{
		Logger: logg,
		DB:     dbClient,
		Store:  store,
	})
	requireResource(ctx, logg, "diagnostic reporter", err)

	sweepJob, err := cron.NewExpirySweepJob(cron.ExpirySweepJobParams{
		Logger:   logg,
		Sweeper:  sweeper,
		Interval: cfg.Reservation.SweepInterval,
	})
	requireResource(ctx, logg, "expiry sweep job", err)

	reconcileJob, err := cron.NewReconcileJob(cron.ReconcileJobParams{
		Logger:     logg,
		Reconciler: reconciler,
		Interval:   cfg.Reservation.ReconcileInterval,
	})
	requireResource(ctx, logg, "reconcile job", err)

	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outboxRepo,
		Retention:  cfg.Outbox.RetentionDays,
	})
	requireResource(ctx, logg, "outbox retention job", err)
	registry := cron.NewRegistry(sweepJob, reconcileJob, retentionJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
	})
	requireResource(ctx, logg, "cron service", err)

	if cfg.Reservation.ReconcileOnStartup {
		startupReconcile(ctx, logg, service)
	}

	logg.Info(ctx, "starting reservation worker")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return service.Run(gctx)
	})

	if cfg.Ops.Enabled {
		server := &http.Server{
			Addr: net.JoinHostPort("", cfg.Ops.Port),
			Handler: routes.NewRouter(routes.RouterParams{
				Config:   cfg,
				Logger:   logg,
				DB:       dbClient,
				Redis:    redisProbe,
				Reporter: reporter,
				Gatherer: prometheus.DefaultGatherer,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logg.Info(logg.WithField(gctx, "addr", server.Addr), "ops server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "reservation worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "reservation worker shutting down gracefully")
}

// startupReconcile repairs drift left by a crash before the first sweep. It
// goes through the registered job so the shared lock and metrics apply.
func startupReconcile(ctx context.Context, logg *logger.Logger, service *cron.Service) {
	ran, err := service.RunJob(ctx, cron.ReconcileJobName)
	switch {
	case err != nil:
		logg.Error(ctx, "startup reconcile failed", err)
	case !ran:
		logg.Info(ctx, "startup reconcile skipped; another worker holds the lock")
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, "resource not working: "+resource, err)
	os.Exit(1)
}
