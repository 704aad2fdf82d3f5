// Package middleware holds the HTTP middleware for the RPC boundary.
package middleware

import (
	"net/http"
	"strings"

	"github.com/modelbridge/modelbridge/internal/db"
	"gorm.io/gorm"
)

// APIKeyAuth validates the stored API key from the Authorization header.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" {
				// No API key configured, allow all requests (first-run scenario)
				next.ServeHTTP(w, r)
				return
			}

			// Check Authorization header (Bearer token)
			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				if strings.TrimPrefix(authHeader, "Bearer ") == expectedKey {
					next.ServeHTTP(w, r)
					return
				}
			}

			// Check x-api-key header (alternative)
			if r.Header.Get("x-api-key") == expectedKey {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}
