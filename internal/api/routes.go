package api

import (
	"log/slog"
	"net/http"

	"uws/internal/health"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Jobs          JobStore
	HealthChecker *health.Checker
	Metrics       http.Handler // served at /metrics when set
	APIKey        string       // bearer token for /v1, empty disables auth
	Logger        *slog.Logger
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handler := NewHandler(cfg.Jobs, cfg.HealthChecker, logger)

	mux := http.NewServeMux()

	// Probes and metrics - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.DeleteJob)))
	mux.Handle("POST /v1/jobs/{jobId}/archive", auth(http.HandlerFunc(handler.ArchiveJob)))

	// Outermost first
	var h http.Handler = mux
	h = LoggingMiddleware(logger)(h)
	h = RecoveryMiddleware(logger)(h)
	return h
}
