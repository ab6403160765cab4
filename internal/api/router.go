package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/careerlink/backend/internal/auth"
	"github.com/careerlink/backend/internal/middleware"
)

// Router holds all handlers and creates the chi router
type Router struct {
	networkHandler  *NetworkHandler
	activityHandler *ActivityHandler
	healthHandler   *HealthHandler
	jwtManager      *auth.JWTManager
	rateLimiter     *middleware.CallerRateLimiter
	allowedOrigins  []string
	logger          *zap.Logger
}

// NewRouter creates a new router
func NewRouter(
	networkHandler *NetworkHandler,
	activityHandler *ActivityHandler,
	healthHandler *HealthHandler,
	jwtManager *auth.JWTManager,
	rateLimiter *middleware.CallerRateLimiter,
	allowedOrigins []string,
	logger *zap.Logger,
) *Router {
	return &Router{
		networkHandler:  networkHandler,
		activityHandler: activityHandler,
		healthHandler:   healthHandler,
		jwtManager:      jwtManager,
		rateLimiter:     rateLimiter,
		allowedOrigins:  allowedOrigins,
		logger:          logger,
	}
}

// Setup configures and returns the chi router
func (rt *Router) Setup() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RecoveryMiddleware(rt.logger))
	r.Use(middleware.LoggingMiddleware(rt.logger))
	r.Use(middleware.CORSMiddleware(rt.allowedOrigins))
	r.Use(chimiddleware.Compress(5))

	// Health endpoints (no auth required)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", rt.healthHandler.Health)
		r.Get("/ready", rt.healthHandler.Ready)
		r.Get("/live", rt.healthHandler.Live)
	})

	// API v1, everything requires a verified caller
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(rt.jwtManager))

		r.Route("/network", func(r chi.Router) {
			r.Get("/", rt.networkHandler.List)

			// Mutations get the per-caller rate limit
			r.Group(func(r chi.Router) {
				if rt.rateLimiter != nil {
					r.Use(middleware.RateLimitMiddleware(rt.rateLimiter))
				}
				r.Post("/request", rt.networkHandler.SendRequest)
				r.Post("/accept", rt.networkHandler.Accept)
				r.Post("/reject", rt.networkHandler.Reject)
				r.Post("/reconcile", rt.networkHandler.Reconcile)
			})
		})

		r.Get("/activity", rt.activityHandler.List)
		r.Get("/ws", rt.activityHandler.HandleWebSocket)
	})

	return r
}
