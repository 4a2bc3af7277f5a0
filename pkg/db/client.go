package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/angelmondragon/stockhold/pkg/config"
	"github.com/angelmondragon/stockhold/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Client wraps the shared GORM connection.
type Client struct {
	conn        *gorm.DB
	dialect     string
	txTimeout   time.Duration
	lockTimeout time.Duration
}

// Pinger exposes the health check surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TxRunner is the transactional surface consumed by services.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ReadOnlyTxRunner runs read-only snapshots.
type ReadOnlyTxRunner interface {
	WithReadOnlyTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Option tweaks a Client built with NewFromGorm.
type Option func(*Client)

// WithTxTimeout bounds every transaction opened by the client.
func WithTxTimeout(d time.Duration) Option {
	return func(c *Client) { c.txTimeout = d }
}

// WithLockTimeout sets the per-transaction lock wait on Postgres.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Client) { c.lockTimeout = d }
}

// New boots a GORM client using the provided configuration.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	dialect := DialectPostgres
	var dialector gorm.Dialector
	if cfg.IsSQLite() {
		dialect = DialectSQLite
		dialector = sqlite.Open(cfg.DSN)
	} else {
		dialector = postgres.New(postgres.Config{
			DSN:                  cfg.DSN,
			PreferSimpleProtocol: true,
		})
	}

	gormLogger := gormlogger.New(
		log.New(io.Discard, "", log.LstdFlags),
		gormlogger.Config{LogLevel: gormlogger.Silent},
	)

	gormCfg := &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
	}

	conn, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("opening db connection: %w", err))
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}

	applyPoolSettings(sqlDB, cfg)

	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if logg != nil {
		ctx = logg.WithField(ctx, "dialect", dialect)
		logg.Info(ctx, "database connection established")
	}

	return &Client{
		conn:        conn,
		dialect:     dialect,
		txTimeout:   cfg.TxTimeout,
		lockTimeout: cfg.LockTimeout,
	}, nil
}

// NewFromGorm wraps an already opened connection. The dialect is taken
// from the GORM dialector name.
func NewFromGorm(conn *gorm.DB, opts ...Option) *Client {
	c := &Client{conn: conn, dialect: conn.Dialector.Name()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func applyPoolSettings(sqlDB *sql.DB, cfg config.DBConfig) {
	if cfg.IsSQLite() {
		// a single writer connection; SQLite upgrades deadlock otherwise
		sqlDB.SetMaxOpenConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
}

// DB returns the underlying GORM connection.
func (c *Client) DB() *gorm.DB {
	return c.conn
}

// Dialect reports the active SQL dialect.
func (c *Client) Dialect() string {
	return c.dialect
}

// Ping verifies the datasource is reachable.
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return ClassifyError(sqlDB.PingContext(ctx))
}

// Close shuts down the pooled connections.
func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx executes fn inside a read-committed transaction, rolling back on
// error/panic. Driver failures that are safe to retry surface as
// TRANSIENT_STORE_FAILURE; typed errors returned by fn pass through.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if c.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.txTimeout)
		defer cancel()
	}

	tx := c.conn.WithContext(ctx).Begin(c.txOptions())
	if tx.Error != nil {
		return ClassifyError(tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := c.applyLockTimeout(tx); err != nil {
		_ = tx.Rollback()
		return ClassifyError(err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return ClassifyError(err)
	}

	return ClassifyError(tx.Commit().Error)
}

// WithReadOnlyTx runs fn inside a read-only transaction. On Postgres it uses
// repeatable read so every statement sees the same snapshot.
func (c *Client) WithReadOnlyTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if c.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.txTimeout)
		defer cancel()
	}

	var opts *sql.TxOptions
	if c.dialect != DialectSQLite {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	tx := c.conn.WithContext(ctx).Begin(opts)
	if tx.Error != nil {
		return ClassifyError(tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return ClassifyError(err)
	}
	return ClassifyError(tx.Rollback().Error)
}

func (c *Client) txOptions() *sql.TxOptions {
	if c.dialect == DialectSQLite {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

func (c *Client) applyLockTimeout(tx *gorm.DB) error {
	if c.dialect != DialectPostgres || c.lockTimeout <= 0 {
		return nil
	}
	stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", c.lockTimeout.Milliseconds())
	return tx.Exec(stmt).Error
}
