package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/relieflink-refdata/internal/observability"
	"github.com/kjstillabower/relieflink-refdata/internal/overload"
)

// CorrelationIDMiddleware puts a correlation id and a request-scoped logger on the context.
// A client-supplied X-Correlation-ID is kept so a map client can match its logs to ours;
// the source client forwards the id upstream.
func CorrelationIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Correlation-ID")
			if corrID == "" {
				corrID = uuid.New().String()
			}
			w.Header().Set("X-Correlation-ID", corrID)

			ctx := context.WithValue(r.Context(), "correlation_id", corrID)
			ctx = context.WithValue(ctx, "logger", logger.With(zap.String("correlation_id", corrID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MetricsMiddleware records request counts and latency and feeds the in-flight tracker
// that graceful shutdown waits on.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer globalInFlightTracker.Begin()()

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		route := getRoute(r)
		method := r.Method
		statusCode := statusCodeString(recorder.statusCode)

		observability.HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
		observability.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
	})
}

// getRoute returns the matched route template so unknown paths do not explode label cardinality.
func getRoute(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	path := r.URL.Path
	switch {
	case path == "/health", path == "/healthz", path == "/metrics":
		return path
	case strings.HasPrefix(path, "/api/"):
		return "/api/other"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func statusCodeString(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// TimeoutMiddleware bounds each /api request. The facade never blocks past the
// deadline: a refresh still running is left to finish for other callers and this
// request is answered from stale cache, local files or empty.
func TimeoutMiddleware(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware sheds /api load with a shared token bucket. A denied request
// gets 429 RATE_LIMITED and counts toward the overload signal; health and metrics
// are mounted outside it. A nil limiter disables limiting.
func RateLimitMiddleware(limiter *rate.Limiter) mux.MiddlewareFunc {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}
			if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
				logger.Debug("rate limit denied", zap.String("path", r.URL.Path))
			}
			overload.RecordDenial()
			observability.RateLimitDeniedTotal.Inc()
			writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
		})
	}
}
