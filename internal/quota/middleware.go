package quota

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/metrics"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

// RejectFunc writes the response for a limited request, including the
// status code. Retry-After is already set when it is called.
type RejectFunc func(w http.ResponseWriter, r *http.Request)

// RateLimitMiddleware returns middleware that allows rpm requests per key
// per minute. A nil reject writes a JSON error body.
func RateLimitMiddleware(limiter *RateLimiter, rpm int, key KeyFunc, reject RejectFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if limiter.Allow(k, rpm) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitHit()
			logging.WithContext(r.Context()).Warn("rate limit exceeded",
				zap.String("client", k),
				zap.String("path", r.URL.Path))

			w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(k, rpm)))
			if reject != nil {
				reject(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": "rate limit exceeded",
				"code":  http.StatusTooManyRequests,
			})
		})
	}
}

// ClientIP returns the first X-Forwarded-For hop, or the peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
