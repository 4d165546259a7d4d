package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/streamsnare/streamsnare/internal/browser"
	"github.com/streamsnare/streamsnare/internal/config"
	"github.com/streamsnare/streamsnare/internal/driver/drivertest"
	"github.com/streamsnare/streamsnare/internal/extract"
	"github.com/streamsnare/streamsnare/internal/rules"
	"github.com/streamsnare/streamsnare/internal/stats"
	"github.com/streamsnare/streamsnare/internal/types"
)

const embedURL = "https://embed.example.com/e/abc"

func testConfig() *config.Config {
	return &config.Config{
		MaxConcurrent:      2,
		BrowserIdleTimeout: time.Hour,
		BrowserMaxAge:      24 * time.Hour,
		ShutdownTimeout:    5 * time.Second,
	}
}

// manifestDriver scripts the fake browser to surface a manifest request on
// every navigation.
func manifestDriver() *drivertest.Driver {
	d := drivertest.NewDriver()
	d.OnNewContext = func(c *drivertest.Context) {
		c.OnGoto = func(c *drivertest.Context, p *drivertest.Page, url string) {
			c.EmitRequest("https://cdn.example.com/stream.m3u8", "xhr", map[string]string{
				"Referer": "https://player.example.com/iframe",
			})
		}
	}
	return d
}

func newTestHandler(t testing.TB, d *drivertest.Driver) *Handler {
	t.Helper()
	cfg := testConfig()
	clock := clockwork.NewRealClock()

	pool := browser.NewPool(d, cfg, clock)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pool.Shutdown(ctx); err != nil {
			t.Errorf("Pool shutdown failed: %v", err)
		}
	})

	mgr, err := rules.NewManager("", false)
	if err != nil {
		t.Fatalf("Failed to create rules manager: %v", err)
	}

	tracker := stats.NewTracker(clock)
	t.Cleanup(tracker.Close)

	extractor := extract.New(pool, mgr, tracker, clock)
	return New(pool, extractor, tracker, cfg)
}

func postExtract(h *Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func decodeExtract(t *testing.T, rec *httptest.ResponseRecorder) types.ExtractResponse {
	t.Helper()
	var resp types.ExtractResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestHandleExtractSuccess(t *testing.T) {
	h := newTestHandler(t, manifestDriver())

	rec := postExtract(h, `{"embedUrl":"`+embedURL+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decodeExtract(t, rec)
	if !resp.Success {
		t.Fatalf("success = false, error %q", resp.Error)
	}
	const manifest = "https://cdn.example.com/stream.m3u8"
	if resp.URL != manifest || resp.M3U8URL != manifest {
		t.Errorf("url/m3u8Url = %q/%q, want both %q", resp.URL, resp.M3U8URL, manifest)
	}
	if resp.Headers["Referer"] != "https://player.example.com/" {
		t.Errorf("Referer = %q", resp.Headers["Referer"])
	}
	if resp.Headers["Origin"] != "https://player.example.com" {
		t.Errorf("Origin = %q", resp.Headers["Origin"])
	}
	if resp.Headers["User-Agent"] == "" {
		t.Error("User-Agent header missing from replay set")
	}
}

func TestHandleExtractManifestNotFound(t *testing.T) {
	// Driver never emits a manifest, so the deadline passes quietly.
	h := newTestHandler(t, drivertest.NewDriver())

	rec := postExtract(h, `{"embedUrl":"`+embedURL+`","timeout":100}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeExtract(t, rec)
	if resp.Success {
		t.Error("success = true on a manifest miss")
	}
	if resp.Error != "m3u8 extraction failed" {
		t.Errorf("error = %q, want \"m3u8 extraction failed\"", resp.Error)
	}
}

func TestHandleExtractValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"embedUrl":`},
		{"missing url", `{}`},
		{"empty url", `{"embedUrl":""}`},
		{"bad scheme", `{"embedUrl":"ftp://example.com/a"}`},
		{"no host", `{"embedUrl":"https:///path"}`},
		{"negative timeout", `{"embedUrl":"` + embedURL + `","timeout":-1}`},
		{"absurd timeout", `{"embedUrl":"` + embedURL + `","timeout":600001}`},
		{"unknown priority", `{"embedUrl":"` + embedURL + `","priority":"urgent"}`},
		{"oversized url", `{"embedUrl":"https://example.com/` + strings.Repeat("a", types.MaxURLLength) + `"}`},
		{"ssrf localhost", `{"embedUrl":"http://127.0.0.1/admin"}`},
		{"ssrf metadata", `{"embedUrl":"http://169.254.169.254/latest/meta-data/"}`},
	}

	d := drivertest.NewDriver()
	h := newTestHandler(t, d)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postExtract(h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
			}
			resp := decodeExtract(t, rec)
			if resp.Success || resp.Error == "" {
				t.Errorf("body = %+v, want success=false with error", resp)
			}
		})
	}

	// None of the rejects should have touched the browser.
	if n := d.Launches(); n != 0 {
		t.Errorf("launches = %d, want 0", n)
	}
}

func TestHandleExtractBodyTooLarge(t *testing.T) {
	h := newTestHandler(t, drivertest.NewDriver())

	huge := `{"embedUrl":"` + strings.Repeat("a", maxBodySize) + `"}`
	rec := postExtract(h, huge)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleExtractMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, drivertest.NewDriver())

	req := httptest.NewRequest(http.MethodGet, "/extract", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleExtractBrowserFailureAndOpenCircuit(t *testing.T) {
	d := drivertest.NewDriver()
	d.FailNextLaunches(errBoom{}, 3)
	h := newTestHandler(t, d)

	// Three launch failures trip the breaker; each surfaces as a 503.
	for i := 0; i < 3; i++ {
		rec := postExtract(h, `{"embedUrl":"`+embedURL+`"}`)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("request %d: status = %d, want 503", i+1, rec.Code)
		}
	}

	// The open circuit now rejects before any launch.
	rec := postExtract(h, `{"embedUrl":"`+embedURL+`"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	resp := decodeExtract(t, rec)
	if !strings.Contains(resp.Error, "circuit breaker open") {
		t.Errorf("error = %q, want circuit breaker message", resp.Error)
	}
	if n := d.Launches(); n != 3 {
		t.Errorf("launches = %d, want 3 (no launch while open)", n)
	}

	// Health reflects the degraded state.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	hrec := httptest.NewRecorder()
	h.Router().ServeHTTP(hrec, req)

	if hrec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", hrec.Code)
	}
	var health types.HealthResponse
	if err := json.Unmarshal(hrec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decoding health body: %v", err)
	}
	if health.Status != types.StatusDegraded {
		t.Errorf("status = %q, want degraded", health.Status)
	}
	if !health.Browser.CircuitBreaker.Open {
		t.Error("circuitBreaker.open = false, want true")
	}
	if health.Browser.CircuitBreaker.ConsecutiveFailures != 3 {
		t.Errorf("consecutiveFailures = %d, want 3", health.Browser.CircuitBreaker.ConsecutiveFailures)
	}
	if health.Browser.CircuitBreaker.ReopenAt == "" {
		t.Error("reopenAt empty while open")
	}
}

func TestHandleHealthOK(t *testing.T) {
	h := newTestHandler(t, drivertest.NewDriver())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	var health types.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decoding health body: %v", err)
	}
	if health.Status != types.StatusOK {
		t.Errorf("status = %q, want ok", health.Status)
	}
	if _, err := time.Parse(time.RFC3339, health.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", health.Timestamp, err)
	}
	if health.Version == "" {
		t.Error("version empty")
	}
	// The browser launches lazily; an untouched service has none running.
	if health.Browser.Running {
		t.Error("browser.running = true before any extraction")
	}
	if health.Queue.Pending != 0 || health.Queue.Active != 0 {
		t.Errorf("queue = %+v, want idle", health.Queue)
	}
	if health.Browser.CircuitBreaker.Open {
		t.Error("circuitBreaker.open = true on a fresh service")
	}
	if health.Browser.CircuitBreaker.ReopenAt != "" {
		t.Errorf("reopenAt = %q, want empty while closed", health.Browser.CircuitBreaker.ReopenAt)
	}
	if health.Memory.SysBytes == 0 {
		t.Error("memory.sysBytes = 0")
	}
}

func TestHandleStats(t *testing.T) {
	h := newTestHandler(t, manifestDriver())

	// Empty before any extraction.
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap map[string]stats.HostStatsJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding stats body: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("snapshot = %v, want empty", snap)
	}

	if rec := postExtract(h, `{"embedUrl":"`+embedURL+`"}`); rec.Code != http.StatusOK {
		t.Fatalf("extract status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding stats body: %v", err)
	}
	s, ok := snap["embed.example.com"]
	if !ok {
		t.Fatalf("snapshot = %v, want embed.example.com entry", snap)
	}
	if s.Attempts != 1 || s.Successes != 1 {
		t.Errorf("stats = %+v, want one success", s)
	}
}

func TestHandleStatsNilTracker(t *testing.T) {
	h := newTestHandler(t, drivertest.NewDriver())
	h.stats = nil

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "{}" {
		t.Errorf("body = %q, want {}", got)
	}
}

func TestHandleNotFound(t *testing.T) {
	h := newTestHandler(t, drivertest.NewDriver())

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	resp := decodeExtract(t, rec)
	if resp.Success || resp.Error == "" {
		t.Errorf("body = %+v, want error shape", resp)
	}
}

// errBoom is a trivial error for scripting launch failures.
type errBoom struct{}

func (errBoom) Error() string { return "boom" }
