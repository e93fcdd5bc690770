package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bactrack/logger"
	"bactrack/metrics"
)

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestLogging tags every request with an id, then logs and times it.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		latency := time.Since(start)
		route := routeLabel(r.URL.Path)
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), latency)

		if route == "/healthz" || route == "/metrics" {
			return
		}
		logger.FromContext(ctx, s.log()).Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", latency),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// routeLabel collapses ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case path == "/api/projects" || path == "/api/projects/":
		return "/api/projects"
	case strings.HasPrefix(path, "/api/projects/"):
		rest := strings.Trim(strings.TrimPrefix(path, "/api/projects/"), "/")
		if strings.HasSuffix(rest, "/stages") {
			return "/api/projects/{id}/stages"
		}
		return "/api/projects/{id}"
	case path == "/healthz" || path == "/readyz" || path == "/metrics":
		return path
	default:
		return "other"
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
