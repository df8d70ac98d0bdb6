package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jmerrifield20/eventledger/internal/identity"
)

// KeyFunc picks the rate-limit bucket for a request.
type KeyFunc func(c *gin.Context) string

// ClientIPKey buckets by client IP.
func ClientIPKey(c *gin.Context) string { return "ip:" + c.ClientIP() }

// OwnerKey buckets by authenticated owner and falls back to the client IP.
// It must run after identity.RequireSession.
func OwnerKey(c *gin.Context) string {
	if owner, ok := identity.OwnerFromGin(c); ok {
		return "owner:" + owner.UserID
	}
	return ClientIPKey(c)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a Gin middleware that enforces token-bucket rate
// limiting per key. rps is the steady-state requests per second; burst is the
// maximum burst size. Stale buckets are cleaned every 5 minutes.
func RateLimiter(rps, burst int, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIPKey
	}
	var mu sync.Mutex
	buckets := make(map[string]*bucket)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for k, b := range buckets {
				if time.Since(b.lastSeen) > 10*time.Minute {
					delete(buckets, k)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		k := key(c)

		mu.Lock()
		b, ok := buckets[k]
		if !ok {
			b = &bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			buckets[k] = b
		}
		b.lastSeen = time.Now()
		mu.Unlock()

		if !b.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
