package security

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRequestID returns a random 24-character hex identifier used to
// correlate a request's log lines with its X-Request-ID response header.
// Falls back to a fixed tag if the entropy source fails.
func NewRequestID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}
