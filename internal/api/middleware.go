package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type ctxKey int

const correlationIDKey ctxKey = iota

// CorrelationID returns the request's correlation id, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// loggingMiddleware tags each request with a correlation id and logs every
// 4xx/5xx response with it.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get("X-Correlation-ID")
		if cid == "" {
			cid = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", cid)
		ctx := context.WithValue(r.Context(), correlationIDKey, cid)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.status >= 400 {
			log.Printf("[API] %s %s -> %d cid=%s", r.Method, r.URL.Path, rec.status, cid)
		}
	})
}

// exemptPath reports whether a path skips auth and rate limiting.
func exemptPath(path string) bool {
	return path == "/health" || path == "/api/v1/health" || path == "/metrics"
}

// authMiddleware checks the shared X-API-Key secret. Health and metrics are
// exempt. With no key configured, auth is disabled.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.cfg.APIKey {
			s.respondJSON(w, r, http.StatusUnauthorized,
				errorBody{Error: "Unauthorized", Detail: "missing or invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces a per-key token bucket. Keyless requests
// (auth disabled) share one bucket per remote address.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limit := rate.Every(s.cfg.RateLimitPeriod / time.Duration(s.cfg.RateLimit))
	burst := s.cfg.RateLimit

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.RemoteAddr
		}
		mu.Lock()
		lim, ok := limiters[key]
		if !ok {
			lim = rate.NewLimiter(limit, burst)
			limiters[key] = lim
		}
		mu.Unlock()

		if !lim.Allow() {
			s.metrics.RateLimited.WithLabelValues(r.URL.Path).Inc()
			s.respondJSON(w, r, http.StatusTooManyRequests,
				errorBody{Error: "TooManyRequests", Detail: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and durations.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path,
			strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}
