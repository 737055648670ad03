package server

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/shardkeep/internal/metrics"
	"github.com/kilupskalvis/shardkeep/internal/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// requestIDMiddleware tags each request with an id. Internal requests keep
// the id of the public request they were made for.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(transport.RequestIDHeader)
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.New().String()
		}
		w.Header().Set(transport.RequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(transport.WithRequestID(r.Context(), reqID)))
	})
}

// loggingMiddleware logs every request once it completes and counts it.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.Status()
			metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
				level = slog.LevelDebug
			}
			logger.LogAttrs(r.Context(), level, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("latency", time.Since(start)),
				slog.String("request_id", transport.RequestID(r.Context())),
			)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500 unless the handler
// already started its response.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				logger.Error("handler panic",
					"panic", fmt.Sprint(p),
					"path", r.URL.Path,
					"request_id", transport.RequestID(r.Context()),
				)
				if rec.status == 0 {
					writeError(rec, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// clusterAuth guards the internal endpoints with the shared cluster token.
// An empty token leaves them open.
func clusterAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get(transport.TokenHeader)), want) != 1 {
			writeError(w, http.StatusUnauthorized, "auth_failed", "invalid cluster token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter counts requests per client address in one-minute windows.
type rateLimiter struct {
	limit   int
	windows *xsync.MapOf[string, window]
	stop    chan struct{}
}

type window struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		limit:   requestsPerMinute,
		windows: xsync.NewMapOf[string, window](),
		stop:    make(chan struct{}),
	}
	if rl.limit > 0 {
		go rl.expire(5 * time.Minute)
	}
	return rl
}

// expire drops finished windows every interval until Stop.
func (rl *rateLimiter) expire(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.windows.Range(func(client string, w window) bool {
				if now.After(w.resetAt) {
					rl.windows.Delete(client)
				}
				return true
			})
		case <-rl.stop:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	close(rl.stop)
}

// allow records a request from client and reports whether it is within the limit.
func (rl *rateLimiter) allow(client string, now time.Time) bool {
	w, _ := rl.windows.Compute(client, func(w window, loaded bool) (window, bool) {
		if !loaded || now.After(w.resetAt) {
			w = window{resetAt: now.Add(time.Minute)}
		}
		w.count++
		return w, false
	})
	return w.count <= rl.limit
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	if rl.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !rl.allow(client, time.Now()) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.ResponseWriter.Write(b)
}

// Status is the code sent to the client, 200 when the handler wrote nothing.
func (rec *statusRecorder) Status() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}
