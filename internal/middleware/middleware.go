// Package middleware assembles the HTTP front door: panic recovery,
// hardening headers, request logging and bearer-token auth, applied around
// the extraction handlers.
package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/streamsnare/streamsnare/internal/types"
)

// Chain composes middleware so Chain(A, B, C)(h) runs A(B(C(h))).
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// responseWriter captures the status code written by downstream handlers.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// writeError emits the API's error shape from inside the chain.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := types.ExtractResponse{Success: false, Error: message}
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		log.Error().Err(err).Str("message", message).Msg("Failed to encode error response")
	}
}
