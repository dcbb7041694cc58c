package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"missiontrack/internal/logging"
	"missiontrack/internal/metrics"
)

const headerRequestID = "X-Request-Id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// metricsMiddleware labels by route template so mission ids do not explode
// the series count.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

// clientLimiter hands out one token bucket per device (or remote host when
// the device is anonymous).
type clientLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const clientIdle = 10 * time.Minute

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &clientLimiter{rps: rate.Limit(rps), burst: burst, clients: map[string]*clientBucket{}}
}

func (c *clientLimiter) allow(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.clients[key]
	if !ok {
		if len(c.clients) > 1024 {
			for k, v := range c.clients {
				if now.Sub(v.seen) > clientIdle {
					delete(c.clients, k)
				}
			}
		}
		b = &clientBucket{lim: rate.NewLimiter(c.rps, c.burst)}
		c.clients[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func clientKey(r *http.Request) string {
	if d := r.Header.Get(headerDeviceID); d != "" {
		return "device:" + d
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientKey(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}
