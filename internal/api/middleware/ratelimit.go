package middleware

import (
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/store"
)

// ConnLimiter throttles connection attempts per client address. All relay
// traffic rides a single socket once established, so the upgrade endpoint
// is the only surface worth limiting. Counters live in Redis so limits
// hold across relay instances; without Redis the limiter passes through.
type ConnLimiter struct {
	redis  *store.RedisStore
	limit  int // attempts per window (window is the store's counter TTL)
	logger zerolog.Logger
}

// NewConnLimiter creates a connection-attempt limiter. redis may be nil.
func NewConnLimiter(redis *store.RedisStore, limit int, logger zerolog.Logger) *ConnLimiter {
	if limit <= 0 {
		limit = 30
	}
	return &ConnLimiter{redis: redis, limit: limit, logger: logger}
}

// Middleware enforces the limit on the wrapped handler.
func (l *ConnLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		addr := clientAddr(r)

		allowed, err := l.redis.CheckConnRate(r.Context(), addr, l.limit)
		if err != nil {
			// Redis trouble never blocks connects
			l.logger.Warn().Err(err).Msg("connection rate check failed")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			l.logger.Warn().Str("addr", addr).Msg("connection rate limit exceeded")
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"too many connection attempts"}`, http.StatusTooManyRequests)
			return
		}

		if err := l.redis.IncrementConnRate(r.Context(), addr); err != nil {
			l.logger.Warn().Err(err).Msg("connection rate increment failed")
		}

		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
