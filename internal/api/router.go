package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/api/middleware"
	"github.com/eldtechnologies/relay/internal/handlers"
	"github.com/eldtechnologies/relay/internal/store"
)

// NewRouter creates and configures the HTTP router. wsHandler serves the
// relay socket; everything else is observability surface.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, wsHandler http.Handler, redisStore *store.RedisStore) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024)) // 8KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - clients connect from anywhere; socket origin policy is
	// enforced separately by the upgrader
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Relay socket, throttled per client address
	limiter := middleware.NewConnLimiter(redisStore, 30, logger)
	r.With(limiter.Middleware).Handle("/ws", wsHandler)

	// Observability surface
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/presence", h.Presence)
	r.Get("/presence/{id}", h.UserPresence)
	r.Get("/rooms/{id}/typing", h.RoomTyping)

	return r
}
