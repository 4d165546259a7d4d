// Package handlers implements the extraction API endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/streamsnare/streamsnare/internal/browser"
	"github.com/streamsnare/streamsnare/internal/config"
	"github.com/streamsnare/streamsnare/internal/extract"
	"github.com/streamsnare/streamsnare/internal/security"
	"github.com/streamsnare/streamsnare/internal/stats"
	"github.com/streamsnare/streamsnare/internal/types"
	"github.com/streamsnare/streamsnare/pkg/version"
)

// maxBodySize caps extract request bodies at 1MB.
const maxBodySize = 1 << 20

// Handler holds the API endpoints.
type Handler struct {
	pool      *browser.Pool
	extractor *extract.Extractor
	stats     *stats.Tracker
	config    *config.Config
	startTime time.Time
}

// New creates a Handler. The tracker may be nil, which disables /stats
// detail but keeps the endpoint serving an empty map.
func New(pool *browser.Pool, extractor *extract.Extractor, tracker *stats.Tracker, cfg *config.Config) *Handler {
	return &Handler{
		pool:      pool,
		extractor: extractor,
		stats:     tracker,
		config:    cfg,
		startTime: time.Now(),
	}
}

// HandleExtract serves POST /extract: validate, queue, extract, respond.
func (h *Handler) HandleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req types.ExtractRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		h.writeError(w, http.StatusBadRequest, "invalid JSON request")
		return
	}

	if err := req.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := security.ValidateURL(req.EmbedURL); err != nil {
		log.Warn().
			Err(err).
			Str("url", security.RedactURL(req.EmbedURL)).
			Msg("Embed URL rejected")
		h.writeError(w, http.StatusBadRequest, "invalid embedUrl: "+err.Error())
		return
	}

	// Priority was validated above; the error is unreachable here.
	priority, _ := types.ParsePriority(req.Priority)

	result, err := h.extractor.Extract(r.Context(), extract.Request{
		EmbedURL: req.EmbedURL,
		Timeout:  time.Duration(req.TimeoutMs()) * time.Millisecond,
		Priority: priority,
	})
	if err != nil {
		h.writeExtractError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, &types.ExtractResponse{
		Success: true,
		URL:     result.ManifestURL,
		M3U8URL: result.ManifestURL,
		Headers: result.Headers,
		Cookies: result.Cookies,
	})
}

// writeExtractError maps extraction failures onto the wire contract. A
// manifest that never showed up is a 200 with success=false; infrastructure
// failures are 503s.
func (h *Handler) writeExtractError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrExtractionTimeout):
		h.writeError(w, http.StatusOK, "m3u8 extraction failed")
	case errors.Is(err, types.ErrCircuitOpen):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, types.ErrPoolClosed):
		h.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	case errors.Is(err, types.ErrBrowser):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// HandleHealth serves GET /health. Reports 503 with status "degraded"
// while the circuit breaker is open so load balancers stop routing here.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	poolStatus := h.pool.Status()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := types.StatusOK
	httpStatus := http.StatusOK
	if poolStatus.CircuitOpen {
		status = types.StatusDegraded
		httpStatus = http.StatusServiceUnavailable
	}

	reopenAt := ""
	if poolStatus.CircuitOpen {
		reopenAt = poolStatus.ReopenAt.UTC().Format(time.RFC3339)
	}

	h.writeJSON(w, httpStatus, &types.HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   version.Full(),
		Memory: types.MemoryInfo{
			AllocBytes:  mem.Alloc,
			SysBytes:    mem.Sys,
			HeapObjects: mem.HeapObjects,
			NumGC:       mem.NumGC,
		},
		Queue: types.QueueInfo{
			Pending: poolStatus.Pending,
			Active:  poolStatus.Active,
		},
		Browser: types.BrowserInfo{
			Running: poolStatus.BrowserRunning,
			CircuitBreaker: types.CircuitInfo{
				Open:                poolStatus.CircuitOpen,
				ConsecutiveFailures: poolStatus.ConsecutiveFailures,
				ReopenAt:            reopenAt,
			},
		},
	})
}

// HandleStats serves GET /stats, the per-host extraction counters.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snapshot := map[string]stats.HostStatsJSON{}
	if h.stats != nil {
		snapshot = h.stats.Snapshot()
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

// HandleNotFound serves every unknown path.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusNotFound, "not found")
}

// writeError emits the error shape with the given status code.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, &types.ExtractResponse{Success: false, Error: message})
}

// writeJSON buffers the encoded response before writing so encoding
// failures never truncate a body after headers went out.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	_, _ = w.Write(buf.Bytes())
}
