package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/streamsnare/streamsnare/internal/config"
)

// BearerAuth returns middleware that requires "Authorization: Bearer
// <secret>" on every endpoint except /health, which stays open for load
// balancer checks. Token comparison is constant time. When the server-side
// secret is unconfigured every protected request fails with a 500.
func BearerAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			if !cfg.HasSecret() {
				log.Error().Msg("Rejecting request: EXTRACTION_SECRET is not configured")
				writeError(w, http.StatusInternalServerError, "server authentication not configured")
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.ExtractionSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken pulls the token out of an Authorization header value. The
// scheme match is case-insensitive per RFC 7235.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}
