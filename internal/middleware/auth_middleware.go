package middleware

import (
	"context"
	"net/http"
	"strings"

	"dm-go/internal/auth"
)

// contextKey is a private type for context values to avoid key collisions.
type contextKey string

// UserIDKey is the context key carrying the authenticated user id.
const UserIDKey contextKey = "userID"

// AuthMiddleware validates the Bearer token on the REST read path and puts
// the user identity into the request context.
func AuthMiddleware(jwtKey string, blacklist auth.TokenBlacklist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}

			headerParts := strings.Split(authHeader, " ")
			if len(headerParts) != 2 || strings.ToLower(headerParts[0]) != "bearer" {
				http.Error(w, "invalid authorization header, expected Bearer {token}", http.StatusUnauthorized)
				return
			}

			userID, err := auth.VerifyToken(r.Context(), headerParts[1], jwtKey, blacklist)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserIDFromContext extracts the authenticated user id placed by
// AuthMiddleware.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}
