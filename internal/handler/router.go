package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// HealthCheck probes one backing service.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	RequireTLS     bool
	AllowedOrigins []string
	Auth           *AuthHandler
	Admin          *AdminHandler
	VolunteerAuth  func(http.Handler) http.Handler
	AdminAuth      func(http.Handler) http.Handler
	RateLimiter    *IPRateLimiter
	HealthChecks   map[string]HealthCheck
}

type healthReport struct {
	Status   string            `json:"status"`
	Service  string            `json:"service"`
	Backends map[string]string `json:"backends,omitempty"`
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg RouterConfig, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if cfg.RequireTLS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rs := responder{logger: logger}
	router.Get("/health", healthHandler(cfg.HealthChecks, rs))

	limit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimiter != nil {
		limit = cfg.RateLimiter.Middleware
	}

	router.Route("/api/v1", func(r chi.Router) {
		cfg.Auth.RegisterRoutes(r, limit, cfg.VolunteerAuth)
		cfg.Admin.RegisterRoutes(r, cfg.AdminAuth)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		rs.respondWithJSON(w, http.StatusNotFound, Response{Error: "endpoint not found"})
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		rs.respondWithJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
	})

	return router
}

func healthHandler(checks map[string]HealthCheck, rs responder) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		report := healthReport{Status: "healthy", Service: "volunteer-auth-service"}
		status := http.StatusOK
		if len(names) > 0 {
			report.Backends = make(map[string]string, len(names))
		}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				rs.logger.Warn("Health check failed", zap.String("backend", name), zap.Error(err))
				report.Backends[name] = "unavailable"
				report.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			report.Backends[name] = "ok"
		}
		rs.respondWithJSON(w, status, report)
	}
}
