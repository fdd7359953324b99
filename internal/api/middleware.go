package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LoggingMiddleware logs ops requests with the matched route and, for job
// routes, the job id. Probe and scrape requests are logged at debug level.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			// r.Pattern is filled in by the mux once it has routed the request.
			level := slog.LevelInfo
			if probeRoutes[r.Pattern] {
				level = slog.LevelDebug
			}
			attrs := []any{
				"method", r.Method,
				"route", r.Pattern,
				"status", wrapped.statusCode,
				"duration", time.Since(start),
			}
			if id := r.PathValue("jobId"); id != "" {
				attrs = append(attrs, "jobId", id)
			}
			logger.Log(r.Context(), level, "Ops request", attrs...)
		})
	}
}

var probeRoutes = map[string]bool{
	"GET /livez":   true,
	"GET /readyz":  true,
	"GET /metrics": true,
}

// RecoveryMiddleware recovers from panics
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.ErrorContext(r.Context(), "Panic recovered", "error", err, "path", r.URL.Path)
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware validates Bearer token authentication.
// If apiKey is empty, authentication is disabled.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				http.Error(w, "Bearer token required", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
