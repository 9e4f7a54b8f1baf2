// Package middleware provides HTTP middleware for the dbpilot API.
package middleware

import (
	"net/http"
	"slices"
)

const (
	allowedMethods  = "GET, POST, DELETE, OPTIONS"
	// Last-Event-ID lets EventSource clients resume against the agent stream.
	allowedHeaders  = "Content-Type, Last-Event-ID"
	preflightMaxAge = "600"
)

// CORS returns middleware that answers preflights and tags responses for the
// configured origins. "*" allows any origin but never enables credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			explicit := origin != "" && slices.Contains(allowedOrigins, origin)

			if origin != "" && (explicit || wildcard) {
				h := w.Header()
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", allowedMethods)
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
				h.Set("Access-Control-Max-Age", preflightMaxAge)
				// Credentials only for listed origins; echoing a wildcard match with credentials enables CSRF.
				if explicit {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
