package control

import (
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"log/slog"

	"github.com/EPguitars/proxycare/internal/httpserver/middleware"
	"github.com/EPguitars/proxycare/internal/observability"
)

// RouterDeps bundles every handler and middleware NewRouter needs.
type RouterDeps struct {
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	SentryHandler  *sentryhttp.Handler
	HealthHandler  *HealthHandler
	PoolHandler    *PoolHandler
	TokenHandler   *TokenHandler
	PartnerToken   string

	// ProxiesWS and ProxyMultiWS serve the two streaming endpoints;
	// built in cmd/proxybroker since they close over the session engine.
	ProxiesWS    http.HandlerFunc
	ProxyMultiWS http.HandlerFunc
}

// NewRouter builds the broker's full HTTP surface.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))
	if deps.Logger != nil {
		r.Use(middleware.RequestLogger(deps.Logger))
	}
	if deps.Metrics != nil {
		r.Use(middleware.PrometheusMiddleware(deps.Metrics))
	}
	if deps.SentryHandler != nil {
		r.Use(deps.SentryHandler.Handle)
	}

	if deps.HealthHandler != nil {
		r.Get("/health", deps.HealthHandler.Health)
		r.Get("/ready", deps.HealthHandler.Ready)
	}

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if deps.ProxiesWS != nil {
		r.Get("/ws/proxies", deps.ProxiesWS)
	}
	if deps.ProxyMultiWS != nil {
		r.Get("/ws/proxy_multi", deps.ProxyMultiWS)
	}

	if deps.PoolHandler != nil || deps.TokenHandler != nil {
		r.Group(func(pr chi.Router) {
			pr.Use(middleware.PartnerAuth(deps.PartnerToken))
			if deps.PoolHandler != nil {
				deps.PoolHandler.RegisterPartnerRoutes(pr)
			}
			if deps.TokenHandler != nil {
				pr.Post("/token", deps.TokenHandler.Mint)
			}
		})
	}

	return r
}
