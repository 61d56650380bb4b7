package httpapi

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/r3e-network/fleet-orchestrator/pkg/apierr"
)

// ctxUserIDKey is the gin context key the auth middleware stores the
// authenticated caller's id under.
const ctxUserIDKey = "fleet.user_id"

// authMiddleware resolves the bearer token on every request and, when
// present and valid, stores the caller's user id in the context. Routes
// that require authentication additionally call requireAuth.
func (s *Service) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.Next()
			return
		}
		sess, err := s.auth.Me(c.Request.Context(), token)
		if err != nil {
			c.Next()
			return
		}
		c.Set(ctxUserIDKey, sess.UserID)
		c.Next()
	}
}

func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// requireAuth aborts with 401 unless authMiddleware resolved a caller.
func requireAuth(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxUserIDKey)
	if !ok {
		writeError(c, apierr.Unauthenticated("a valid bearer token is required"))
		return "", false
	}
	return v.(string), true
}

// requireAdmin aborts with 403 unless the request carries the configured
// admin key in X-Admin-Key.
func (s *Service) requireAdmin(c *gin.Context) bool {
	if s.adminKey == "" || c.GetHeader("X-Admin-Key") != s.adminKey {
		writeError(c, apierr.Forbidden("admin key required"))
		return false
	}
	return true
}

// rateLimiter is a per-key token bucket limiter, grounded on the
// golang.org/x/time/rate package's recommended pattern of one limiter per
// identity rather than one shared bucket.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newRateLimiter(r rate.Limit, burst int) *rateLimiter {
	return &rateLimiter{limiters: make(map[string]*rate.Limiter), rate: r, burst: burst}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// limitMiddleware rate-limits by client IP, the cheapest identity available
// before authentication has run.
func limitMiddleware(rl *rateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			writeError(c, apierr.RateLimited("too many requests"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeError renders an *apierr.Error with its mapped HTTP status, falling
// back to 500 for anything else so a handler can never leak a bare Go error
// string to a client.
func writeError(c *gin.Context, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		c.JSON(apiErr.Status(), apiErr)
		return
	}
	c.JSON(http.StatusInternalServerError, apierr.Internal("internal error"))
}
