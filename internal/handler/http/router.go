package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DrorGr/amesaFE-sub002/pkg/health"
	"github.com/DrorGr/amesaFE-sub002/pkg/middleware"
)

const serviceName = "payflow"

// RouterConfig carries the HTTP surface settings.
type RouterConfig struct {
	JWTSecret           string
	CORS                middleware.CORSConfig
	RequestTimeout      time.Duration
	MetricsAllowedCIDRs []string
	PprofAllowedCIDRs   []string
}

// NewRouter creates a chi router with health, metrics and the purchase flow
// API. limiter and settlements may be nil.
func NewRouter(
	cfg RouterConfig,
	flows *FlowHandler,
	settlements *SettlementHandler,
	healthHandler *health.Handler,
	limiter *middleware.RateLimiter,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Recovery(logger))
	if cfg.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
	}
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics(serviceName))
	r.Use(middleware.Tracing(serviceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())

	r.With(middleware.IPAllowlist(cfg.MetricsAllowedCIDRs, logger)).
		Get("/metrics", promhttp.Handler().ServeHTTP)
	middleware.RegisterPprof(r, cfg.PprofAllowedCIDRs, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuth(cfg.JWTSecret, nil, logger))
		r.Use(middleware.RequestLogger(logger))
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Use(middleware.NoStore)

		r.Route("/flows", func(r chi.Router) {
			r.Post("/", flows.Open)
			r.Post("/return", flows.Resume)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", flows.Get)
				r.Delete("/", flows.Close)
				r.Put("/quantity", flows.SetQuantity)
				r.Post("/next", flows.Next)
				r.Post("/back", flows.Back)
				r.Put("/method", flows.SelectMethod)
				r.Delete("/banner", flows.DismissBanner)

				r.Post("/card/intent", flows.InitCard)
				r.Post("/card/refresh", flows.RefreshCard)
				r.Put("/card/container", flows.ReportContainer)
				r.Post("/card/submit", flows.SubmitCard)

				r.Post("/crypto/charge", flows.CreateCharge)
				r.Post("/crypto/poll", flows.RetryCryptoPolling)
				r.Get("/crypto/qr", flows.CryptoQRCode)

				r.Post("/tickets/retry", flows.RetryIssuance)
			})
		})

		if settlements != nil {
			r.Get("/settlements", settlements.List)
			r.Get("/settlements/{id}", settlements.Get)
		}
	})

	return r
}
