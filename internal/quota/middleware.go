package quota

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/metrics"
	"github.com/fruitsalade/workbench/pkg/protocol"
)

// ClientKey identifies the caller by remote IP.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware returns middleware that enforces per-client rate limits.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || !limiter.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			if !limiter.Allow(key) {
				metrics.RecordRateLimitHit()
				logging.WithContext(r.Context()).Debug("rate limited", zap.String("client", key))

				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(key)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(protocol.ErrorResponse{
					Error: "rate limit exceeded",
					Code:  http.StatusTooManyRequests,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
