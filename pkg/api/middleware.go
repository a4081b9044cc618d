package api

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireClientAuth checks the Bearer token against the configured
// bcrypt hash. When no hash is configured, client auth is disabled and
// every request passes.
func (s *server) requireClientAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := s.cfg.Server.Auth.TokenHash
		if hash == "" {
			next.ServeHTTP(w, r)

			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		if bcrypt.CompareHashAndPassword(
			[]byte(hash), []byte(token),
		) != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid token"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the Bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(auth[len("Bearer "):])

	return token, token != ""
}
