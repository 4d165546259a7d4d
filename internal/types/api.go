package types

import (
	"fmt"
	"net/url"
	"strings"
)

// Request validation limits.
const (
	MaxURLLength     = 8192
	MaxTimeoutMs     = 600000 // 10 minutes in milliseconds
	DefaultTimeoutMs = 30000
)

// Priority levels for queue admission. Higher runs first.
const (
	PriorityNormal = 0
	PriorityHigh   = 10
)

// Priority names accepted by the API.
const (
	PriorityNameNormal = "normal"
	PriorityNameHigh   = "high"
)

// ParsePriority maps an API priority name to its queue level.
// An empty name means normal.
func ParsePriority(name string) (int, error) {
	switch name {
	case "", PriorityNameNormal:
		return PriorityNormal, nil
	case PriorityNameHigh:
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("priority must be %q or %q, got: %q", PriorityNameNormal, PriorityNameHigh, name)
	}
}

// ExtractRequest represents an incoming extraction request.
// Timeout is a pointer so an explicit 0 (an immediate deadline, which the
// pipeline honours) is distinguishable from an omitted field (the default).
type ExtractRequest struct {
	EmbedURL string `json:"embedUrl"`
	Timeout  *int   `json:"timeout,omitempty"`  // milliseconds
	Priority string `json:"priority,omitempty"` // "normal" (default) or "high"
}

// Validate validates the request and returns an error if invalid.
// SSRF checks are a separate layer (security.ValidateURL); this only
// rejects requests that are malformed on their face.
func (r *ExtractRequest) Validate() error {
	if r.EmbedURL == "" {
		return ErrURLRequired
	}
	if len(r.EmbedURL) > MaxURLLength {
		return fmt.Errorf("embedUrl exceeds maximum length of %d", MaxURLLength)
	}
	u, err := url.Parse(r.EmbedURL)
	if err != nil {
		return fmt.Errorf("invalid embedUrl: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("embedUrl scheme must be http or https, got: %q", scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("embedUrl host is required")
	}

	if r.Timeout != nil {
		if *r.Timeout < 0 {
			return fmt.Errorf("timeout cannot be negative")
		}
		if *r.Timeout > MaxTimeoutMs {
			return fmt.Errorf("timeout exceeds maximum of %d ms", MaxTimeoutMs)
		}
	}

	if _, err := ParsePriority(r.Priority); err != nil {
		return err
	}
	return nil
}

// TimeoutMs returns the requested timeout in milliseconds, defaulting when
// the field was omitted.
func (r *ExtractRequest) TimeoutMs() int {
	if r.Timeout == nil {
		return DefaultTimeoutMs
	}
	return *r.Timeout
}

// ExtractionResult is the outcome of a successful manifest capture.
type ExtractionResult struct {
	ManifestURL string            // the aborted .m3u8 request URL
	Headers     map[string]string // Referer (origin + "/"), Origin, User-Agent
	Cookies     string            // "name=value; ..." - empty when none captured
}

// ExtractResponse represents the API response for POST /extract.
// URL and M3U8URL carry the same value; both names are kept for
// compatibility with existing clients.
type ExtractResponse struct {
	Success bool              `json:"success"`
	URL     string            `json:"url,omitempty"`
	M3U8URL string            `json:"m3u8Url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Cookies string            `json:"cookies,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// HealthResponse represents the GET /health payload.
type HealthResponse struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Uptime    string      `json:"uptime"`
	Version   string      `json:"version"`
	Memory    MemoryInfo  `json:"memory"`
	Queue     QueueInfo   `json:"queue"`
	Browser   BrowserInfo `json:"browser"`
}

// MemoryInfo is a runtime.MemStats snapshot for health reporting.
type MemoryInfo struct {
	AllocBytes  uint64 `json:"allocBytes"`
	SysBytes    uint64 `json:"sysBytes"`
	HeapObjects uint64 `json:"heapObjects"`
	NumGC       uint32 `json:"numGC"`
}

// QueueInfo reports pool queue occupancy. Pending counts waiters only;
// Active counts admitted, running extractions.
type QueueInfo struct {
	Pending int `json:"pending"`
	Active  int `json:"active"`
}

// BrowserInfo reports browser liveness and breaker state.
type BrowserInfo struct {
	Running        bool        `json:"running"`
	CircuitBreaker CircuitInfo `json:"circuitBreaker"`
}

// CircuitInfo is the breaker snapshot exposed on /health.
type CircuitInfo struct {
	Open                bool   `json:"open"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	ReopenAt            string `json:"reopenAt,omitempty"`
}

// Health status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)
