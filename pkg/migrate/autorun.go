package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/stockhold/pkg/config"
	"github.com/angelmondragon/stockhold/pkg/db"
	"github.com/angelmondragon/stockhold/pkg/logger"
)

// MaybeRunDev brings the schema up to date when the app is running in dev mode
// and the auto-migrate flag is enabled. SQLite stores always use AutoMigrate.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	return Apply(ctx, logg, client, DefaultDir)
}

// Apply runs goose up on Postgres or gorm AutoMigrate on SQLite.
func Apply(ctx context.Context, logg *logger.Logger, client *db.Client, dir string) error {
	meta := map[string]any{"dialect": client.Dialect(), "dir": dir}
	ctx = logg.WithFields(ctx, meta)

	if client.Dialect() == db.DialectSQLite {
		logg.Info(ctx, "running model auto-migration")
		if err := AutoMigrate(ctx, client.DB()); err != nil {
			return err
		}
		logg.Info(ctx, "model auto-migration completed")
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	logg.Info(ctx, "running goose migrations")
	if err := Run(ctx, sqlDB, dir, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}
	logg.Info(ctx, "goose migrations completed")
	return nil
}
