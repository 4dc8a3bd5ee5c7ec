// Package api implements the relay's HTTPS surface: the bootstrap endpoint
// the game client queries before connecting, and a small management API.
package api

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RequireToken guards management routes with a static bearer token. An empty
// token disables the check.
func RequireToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		got := extractBearerToken(c.GetHeader("Authorization"))
		switch {
		case got == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
		case subtle.ConstantTimeCompare([]byte(got), want) != 1:
			log.Warn().Str("client_ip", c.ClientIP()).Str("path", c.Request.URL.Path).Msg("API: rejected admin token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		default:
			c.Next()
		}
	}
}

// bucketIdle is how long an untouched client bucket is kept. A bucket idle
// that long has refilled completely, so dropping it changes nothing.
const bucketIdle = 5 * time.Minute

// RateLimiter is a per-client-IP token bucket. Burst is twice the rate.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64
	burst     float64
	lastPrune time.Time
	now       func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per IP.
// rps <= 0 disables limiting.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    float64(rps),
		burst:   float64(rps * 2),
		now:     time.Now,
	}
}

// allow spends one token for ip, refilling by elapsed time first.
func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastPrune) > bucketIdle {
		for k, b := range rl.buckets {
			if now.Sub(b.seen) > bucketIdle {
				delete(rl.buckets, k)
			}
		}
		rl.lastPrune = now
	}

	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: rl.burst, seen: now}
		rl.buckets[ip] = b
	}
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.seen).Seconds()*rl.rate)
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rate <= 0 || rl.allow(c.ClientIP()) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}

// SecurityHeaders adds security-related HTTP headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Server", "relaygate")

		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Header("X-Frame-Options", "DENY")
			c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}

		c.Next()
	}
}

// RequestLogger logs incoming HTTP requests.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
