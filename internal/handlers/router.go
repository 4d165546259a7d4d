package handlers

import "net/http"

// Router builds the path mux for the API listener. Method checks live in
// the handlers so unsupported methods get the API's error shape instead of
// the stdlib plain-text 405.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/extract", h.HandleExtract)
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/", h.HandleNotFound)
	return mux
}
