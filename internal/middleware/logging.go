package middleware

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/streamsnare/streamsnare/internal/metrics"
	"github.com/streamsnare/streamsnare/internal/security"
)

// sensitiveParams are query parameter names whose values never belong in a
// log line.
var sensitiveParams = []string{
	"key", "token", "api_key", "apikey", "password", "secret", "auth",
	"access_token", "refresh_token", "bearer", "credential", "private_key",
}

// sanitizeURLForLogging redacts secret-bearing query parameters before a
// URL is logged.
func sanitizeURLForLogging(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if parsed.RawQuery == "" {
		return rawURL
	}

	query := parsed.Query()
	redacted := false
	for _, param := range sensitiveParams {
		for key := range query {
			if strings.EqualFold(key, param) {
				query.Set(key, "[REDACTED]")
				redacted = true
			}
		}
	}
	if !redacted {
		return rawURL
	}

	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// maskIP masks a client address for logging: IPv4 keeps the /24, IPv6 the
// /48.
func maskIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "[redacted]"
	}

	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

// endpointLabel folds request paths into the bounded metric label set.
func endpointLabel(path string) string {
	switch path {
	case "/extract", "/health", "/stats":
		return strings.TrimPrefix(path, "/")
	default:
		return "other"
	}
}

// Logging returns middleware that writes one log line per request and
// records the HTTP metrics. Client IPs are masked and query strings
// scrubbed before logging. Each request gets a random ID, echoed in the
// X-Request-ID response header and the log line.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := security.NewRequestID()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		metrics.RecordHTTPRequest(endpointLabel(r.URL.Path), strconv.Itoa(wrapped.statusCode), duration)

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", sanitizeURLForLogging(r.URL.String())).
			Str("remote_addr", maskIP(r.RemoteAddr)).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Msg("Request completed")
	})
}
