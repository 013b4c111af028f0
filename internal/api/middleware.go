package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/polkatrace/graph-engine/internal/metrics"
	"github.com/polkatrace/graph-engine/internal/quota"
)

// callerKey identifies a caller for quota and log-limit purposes: the
// API key when presented, otherwise the source IP.
func callerKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return "key:" + key
	}
	return "ip:" + c.ClientIP()
}

// SecurityHeaders applies the response-hardening header set to every
// response, API or not.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		h.Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'; connect-src 'self'")
		c.Next()
	}
}

// CORS grants cross-origin access to the configured allowlist only.
// An empty allowlist grants nothing.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[origin] {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Charge debits the operation cost against the caller's budget before
// the handler runs. Refusals return 429 with retry metadata; every
// decision is echoed in X-RateLimit headers.
func Charge(limiter *quota.CostLimiter, cost int) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := limiter.Charge(callerKey(c), cost)
		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			retry := int(d.RetryAfter/time.Second) + 1
			h.Set("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": apiError{
					Code:    codeRateLimited,
					Message: fmt.Sprintf("cost budget exhausted, retry in %ds", retry),
				},
				"retryAfter": retry,
			})
			return
		}
		c.Next()
	}
}

// Observe records request counts and latency per route and status.
func Observe(met *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		met.RequestsTotal.WithLabelValues(route, status).Inc()
		met.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		switch c.Writer.Status() {
		case http.StatusTooManyRequests:
			met.RequestsRejected.WithLabelValues("rate_limited").Inc()
		case http.StatusBadRequest:
			met.RequestsRejected.WithLabelValues("invalid").Inc()
		}
	}
}
