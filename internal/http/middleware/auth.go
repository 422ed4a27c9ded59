package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth requires a bearer token on /v1/ routes. An empty token disables the check.
func Auth(requiredToken string) func(http.Handler) http.Handler {
	expected := []byte(requiredToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredToken == "" || !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}

			const prefix = "Bearer "
			authorization := r.Header.Get("Authorization")
			if !strings.HasPrefix(authorization, prefix) {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			token := []byte(strings.TrimSpace(strings.TrimPrefix(authorization, prefix)))
			if len(token) == 0 || subtle.ConstantTimeCompare(token, expected) != 1 {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
