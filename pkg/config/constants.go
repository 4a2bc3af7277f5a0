package config

const (
	EnvPrefix = "STOCKHOLD"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	EnvAppEnv        = "STOCKHOLD_APP_ENV"
	EnvDBDSN             = "STOCKHOLD_DB_DSN"
	EnvDBHost            = "STOCKHOLD_DB_HOST"
	EnvDBUser            = "STOCKHOLD_DB_USER"
	EnvDBName            = "STOCKHOLD_DB_NAME"
	EnvDBPassword        = "STOCKHOLD_DB_PASSWORD"
	EnvRedisURL          = "STOCKHOLD_REDIS_URL"
	EnvUseSQLite         = "STOCKHOLD_USE_SQLITE"
	EnvCartTTL           = "STOCKHOLD_CART_RESERVATION_TTL"
	EnvOrderHoldTTL      = "STOCKHOLD_ORDER_HOLD_TTL"
	EnvSweepInterval     = "STOCKHOLD_SWEEP_INTERVAL"
	EnvReconcileInterval = "STOCKHOLD_RECONCILE_INTERVAL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
