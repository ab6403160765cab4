package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/careerlink/backend/internal/auth"
	"github.com/careerlink/backend/pkg/response"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// AuthMiddleware validates the bearer token and places the verified caller id
// in the request context. Every core operation reads the caller from an
// explicit parameter fed from here; nothing below the HTTP layer consults
// ambient identity.
func AuthMiddleware(jwtManager *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				response.Unauthorized(w, "missing or malformed authorization header")
				return
			}

			claims, err := jwtManager.ValidateAccessToken(token)
			if err != nil {
				if err == auth.ErrExpiredToken {
					response.Unauthorized(w, "token has expired")
					return
				}
				response.Unauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header, or from the
// access_token query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// GetUserID extracts the verified caller id from the context.
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return userID, ok
}
