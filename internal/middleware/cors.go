// Package middleware provides HTTP middleware for the datalab API.
package middleware

import (
	"net/http"
	"slices"

	"github.com/go-chi/cors"

	"github.com/ashureev/datalab/internal/identity"
)

// CORS returns middleware that handles CORS headers. Credentials are only
// allowed for explicitly listed origins, never for a wildcard.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowedOrigins, "*")
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id", identity.SessionHeaderName},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Disposition"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	})
}
