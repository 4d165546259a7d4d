package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/streamsnare/streamsnare/internal/driver/drivertest"
)

// The reject path runs entirely in the handler: body decode, validation,
// error encode. It sets the floor for request overhead.
func BenchmarkExtractValidationReject(b *testing.B) {
	h := newTestHandler(b, drivertest.NewDriver())
	router := h.Router()
	body := `{"embedUrl":"ftp://example.com/a"}`

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			b.Fatalf("status = %d, want 400", rec.Code)
		}
	}
}

func BenchmarkHealth(b *testing.B) {
	h := newTestHandler(b, drivertest.NewDriver())
	router := h.Router()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			b.Fatalf("status = %d, want 200", rec.Code)
		}
	}
}
