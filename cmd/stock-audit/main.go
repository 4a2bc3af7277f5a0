package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/angelmondragon/stockhold/internal/cron"
	"github.com/angelmondragon/stockhold/internal/diagnostics"
	"github.com/angelmondragon/stockhold/internal/expiry"
	"github.com/angelmondragon/stockhold/internal/inventory"
	"github.com/angelmondragon/stockhold/internal/reconcile"
	"github.com/angelmondragon/stockhold/internal/reservation"
	"github.com/angelmondragon/stockhold/pkg/config"
	"github.com/angelmondragon/stockhold/pkg/db"
	"github.com/angelmondragon/stockhold/pkg/db/models"
	"github.com/angelmondragon/stockhold/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockhold/pkg/errors"
	"github.com/angelmondragon/stockhold/pkg/logger"
	"github.com/angelmondragon/stockhold/pkg/outbox"
	"github.com/angelmondragon/stockhold/pkg/redis"
)

const serviceName = "stock-audit"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName, Output: os.Stderr})

	_ = godotenv.Load()

	cmd := flag.String("cmd", "report", "audit command: report|reconcile|events|availability|restock")
	variant := flag.String("variant", "", "variant id (availability, restock)")
	quantity := flag.Int("quantity", -1, "physical quantity (restock)")
	eventType := flag.String("type", "", "event type filter (events)")
	aggregate := flag.String("aggregate", "", "aggregate id filter (events)")
	aggregateType := flag.String("aggregate-type", string(enums.AggregateStockLedger), "aggregate type for -aggregate (events)")
	since := flag.Duration("since", 24*time.Hour, "look-back window (events)")
	limit := flag.Int("limit", 200, "maximum events to print (events)")
	flag.Parse()

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
		Output:      os.Stderr,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": *cmd,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	store := inventory.NewStore(dbClient.DB())
	outboxRepo := outbox.NewRepository(dbClient.DB())
	emitter := outbox.NewService(outboxRepo, logg)

	switch *cmd {
	case "report":
		reporter, err := diagnostics.NewReporter(diagnostics.ReporterParams{Logger: logg, DB: dbClient, Store: store})
		requireResource(ctx, logg, "diagnostic reporter", err)
		snap, err := reporter.Snapshot(ctx)
		fail(err)
		printJSON(snap)

	case "reconcile":
		lock := auditLock(ctx, cfg, logg)
		locked, err := lock.Acquire(ctx)
		fail(err)
		if !locked {
			fmt.Fprintln(os.Stderr, "another worker holds the reservation lock; try again later")
			os.Exit(2)
		}
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

		sweeper, err := expiry.NewSweeper(expiry.SweeperParams{Logger: logg, DB: dbClient, Store: store, Outbox: emitter})
		requireResource(ctx, logg, "expiry sweeper", err)
		reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerParams{
			Logger: logg,
			DB:     dbClient,
			Store:  store,
			Outbox: emitter,
			Purger: sweeper,
		})
		requireResource(ctx, logg, "reconciler", err)

		result := reconciler.Run(ctx)
		out := map[string]any{"result": result}
		if result.Err != nil {
			out["error"] = pkgerrors.Dump(result.Err)
		}
		printJSON(out)
		if result.Err != nil {
			_ = lock.Release(context.WithoutCancel(ctx))
			os.Exit(1)
		}

	case "events":
		events, err := listEvents(ctx, outboxRepo, *eventType, *aggregateType, *aggregate, *since, *limit)
		fail(err)
		decoders := outbox.DefaultDecoders()
		for _, row := range events {
			decoded, err := decoders.DecodeRow(row)
			if err != nil {
				logg.Warn(logg.WithField(ctx, "event_id", row.ID.String()), "skipping undecodable event")
				continue
			}
			printJSON(decoded)
		}

	case "availability", "restock":
		variantID, err := uuid.Parse(*variant)
		if err != nil {
			fmt.Fprintln(os.Stderr, "missing or invalid -variant")
			os.Exit(1)
		}
		engine, err := reservation.NewService(reservation.ServiceParams{
			Logger:  logg,
			DB:      dbClient,
			Store:   store,
			Outbox:  emitter,
			CartTTL: cfg.Reservation.CartTTL,
			HoldTTL: cfg.Reservation.OrderHoldTTL,
		})
		requireResource(ctx, logg, "reservation engine", err)
		if *cmd == "restock" {
			if *quantity < 0 {
				fmt.Fprintln(os.Stderr, "missing -quantity for restock")
				os.Exit(1)
			}
			_, err := engine.RestockVariant(ctx, variantID, *quantity)
			fail(err)
		}
		availability, err := engine.Availability(ctx, variantID)
		fail(err)
		printJSON(availability)

	default:
		fmt.Fprintln(os.Stderr, "unknown -cmd value:", *cmd)
		os.Exit(1)
	}
}

func listEvents(ctx context.Context, repo *outbox.Repository, eventType, aggregateType, aggregate string, since time.Duration, limit int) ([]models.OutboxEvent, error) {
	if aggregate != "" {
		id, err := uuid.Parse(aggregate)
		if err != nil {
			return nil, fmt.Errorf("invalid -aggregate: %w", err)
		}
		aggType, err := enums.ParseOutboxAggregateType(aggregateType)
		if err != nil {
			return nil, err
		}
		return repo.ListByAggregate(ctx, aggType, id, limit)
	}
	if eventType == "" {
		return nil, fmt.Errorf("-type or -aggregate is required for events")
	}
	parsed, err := enums.ParseOutboxEventType(eventType)
	if err != nil {
		return nil, err
	}
	return repo.ListByType(ctx, parsed, time.Now().UTC().Add(-since), limit)
}

// auditLock shares the worker lock so a manual reconcile never overlaps a
// scheduled one.
func auditLock(ctx context.Context, cfg *config.Config, logg *logger.Logger) cron.Lock {
	if !redis.Configured(cfg.Redis) {
		logg.Warn(ctx, "redis not configured; reconcile runs without the worker lock")
		return cron.NewLocalLock()
	}
	client, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	lock, err := cron.NewRedisLock(client, client.LockKey(cron.LockName(cfg.App.Env)), cfg.Worker.LockTTL)
	requireResource(ctx, logg, "worker lock", err)
	return lock
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		os.Exit(1)
	}
}

func fail(err error) {
	if err == nil {
		return
	}
	printJSON(map[string]any{"error": pkgerrors.Dump(err)})
	os.Exit(1)
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
