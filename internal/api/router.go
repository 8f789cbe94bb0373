package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/darasahq/darasa/internal/api/middleware"
	"github.com/darasahq/darasa/internal/config"
	"github.com/darasahq/darasa/internal/handlers"
	"github.com/darasahq/darasa/internal/realtime"
	"github.com/darasahq/darasa/internal/store"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, cfg *config.Config, db store.DataStore, redisStore *store.RedisStore, hub *realtime.Hub) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // Outbox batches are the largest bodies
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(redisStore.Client(), logger)
	r.Use(limiter.Middleware)

	// CORS - the mobile and web clients call from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Create handler and auth middleware
	h := handlers.NewHandler(logger, db, redisStore, hub, cfg)
	auth := middleware.NewAuthMiddleware(db, redisStore)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Post("/register", h.Register)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/who/{id}", h.Who)

		r.Post("/threads", h.CreateThread)
		r.Get("/threads", h.ListThreads)
		r.Get("/threads/{id}", h.GetThreadMessages)
		r.Post("/threads/{id}/messages", h.PostMessage)
		r.Post("/threads/{id}/read", h.MarkRead)

		r.Post("/sync/outbox", h.SyncOutbox)

		r.Post("/announcements", h.CreateAnnouncement)
		r.Get("/announcements/{id}/stats", h.AnnouncementStats)

		r.Get("/ws", h.ServeWS)
	})

	return r
}
