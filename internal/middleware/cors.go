package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSMiddleware returns the CORS configuration for browser clients.
func CORSMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Requested-With",
		},
		ExposedHeaders: []string{
			"X-Request-Id",
		},
		AllowCredentials: true,

		// Cache preflight requests for 5 minutes
		MaxAge: 300,
	})
}
