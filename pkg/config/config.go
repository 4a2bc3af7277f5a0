package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Reservation  ReservationConfig
	Worker       WorkerConfig
	Ops          OpsConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DriverSQLite
		if cfg.DB.DSN == "" {
			cfg.DB.DSN = cfg.FeatureFlags.SQLitePath
		}
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Reservation.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STOCKHOLD_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"STOCKHOLD_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STOCKHOLD_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"STOCKHOLD_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"STOCKHOLD_SERVICE_KIND" default:"reservation-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"STOCKHOLD_DB_DSN"`
	Driver string `envconfig:"STOCKHOLD_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STOCKHOLD_DB_HOST"`
	LegacyPort     int    `envconfig:"STOCKHOLD_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STOCKHOLD_DB_USER"`
	LegacyPassword string `envconfig:"STOCKHOLD_DB_PASSWORD"`
	LegacyName     string `envconfig:"STOCKHOLD_DB_NAME"`
	LegacySSLMode  string `envconfig:"STOCKHOLD_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STOCKHOLD_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOCKHOLD_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOCKHOLD_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOCKHOLD_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	// TxTimeout bounds every transaction opened through WithTx.
	TxTimeout time.Duration `envconfig:"STOCKHOLD_DB_TX_TIMEOUT" default:"5s"`
	// LockTimeout is applied with SET LOCAL lock_timeout on Postgres.
	LockTimeout time.Duration `envconfig:"STOCKHOLD_DB_LOCK_TIMEOUT" default:"2s"`
}

// IsSQLite reports whether the configured driver is SQLite.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(db.Driver, DriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"STOCKHOLD_REDIS_URL"`
	Address      string        `envconfig:"STOCKHOLD_REDIS_ADDR"`
	Password     string        `envconfig:"STOCKHOLD_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOCKHOLD_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOCKHOLD_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOCKHOLD_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOCKHOLD_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOCKHOLD_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOCKHOLD_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool   `envconfig:"STOCKHOLD_USE_SQLITE" default:"false"`
	SQLitePath  string `envconfig:"STOCKHOLD_SQLITE_PATH" default:"file:stockhold.db?_busy_timeout=5000&_journal_mode=WAL"`
	AutoMigrate bool   `envconfig:"STOCKHOLD_AUTO_MIGRATE" default:"false"`
}

// ReservationConfig holds the hold lifetimes and background cadences.
type ReservationConfig struct {
	CartTTL            time.Duration `envconfig:"STOCKHOLD_CART_RESERVATION_TTL" default:"30m"`
	OrderHoldTTL       time.Duration `envconfig:"STOCKHOLD_ORDER_HOLD_TTL" default:"24h"`
	SweepInterval      time.Duration `envconfig:"STOCKHOLD_SWEEP_INTERVAL" default:"60s"`
	SweepBatchSize     int           `envconfig:"STOCKHOLD_SWEEP_BATCH_SIZE" default:"500"`
	ReconcileInterval  time.Duration `envconfig:"STOCKHOLD_RECONCILE_INTERVAL" default:"15m"`
	ReconcileOnStartup bool          `envconfig:"STOCKHOLD_RECONCILE_ON_STARTUP" default:"true"`
}

func (r ReservationConfig) validate() error {
	if r.CartTTL < 0 {
		return fmt.Errorf("%s must not be negative", EnvCartTTL)
	}
	if r.OrderHoldTTL < 0 {
		return fmt.Errorf("%s must not be negative", EnvOrderHoldTTL)
	}
	if r.SweepInterval <= 0 {
		return fmt.Errorf("%s must be positive", EnvSweepInterval)
	}
	if r.ReconcileInterval <= 0 {
		return fmt.Errorf("%s must be positive", EnvReconcileInterval)
	}
	return nil
}

type WorkerConfig struct {
	LockTTL time.Duration `envconfig:"STOCKHOLD_WORKER_LOCK_TTL" default:"5m"`
}

type OpsConfig struct {
	Enabled bool   `envconfig:"STOCKHOLD_OPS_ENABLED" default:"true"`
	Port    string `envconfig:"STOCKHOLD_OPS_PORT" default:"9090"`
}

type OutboxConfig struct {
	RetentionDays int `envconfig:"STOCKHOLD_OUTBOX_RETENTION_DAYS" default:"30"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
