package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/stockhold/api/controllers"
	"github.com/angelmondragon/stockhold/api/middleware"
	"github.com/angelmondragon/stockhold/internal/diagnostics"
	"github.com/angelmondragon/stockhold/pkg/config"
	"github.com/angelmondragon/stockhold/pkg/logger"
)

// RouterParams wires the worker ops server.
type RouterParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       controllers.Pinger
	Redis    controllers.Pinger
	Reporter *diagnostics.Reporter
	Gatherer prometheus.Gatherer
}

// NewRouter returns the ops handler: probes, metrics and diagnostics.
func NewRouter(params RouterParams) http.Handler {
	cfg, logg := params.Config, params.Logger
	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, "/healthz", "/readyz", "/metrics"),
	)

	r.Get("/healthz", controllers.HealthLive(cfg))
	r.Get("/readyz", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
		"db":    params.DB,
		"redis": params.Redis,
	}))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if params.Reporter != nil {
		r.Get("/diagnostics", controllers.Diagnostics(params.Reporter, logg))
	}
	return r
}
