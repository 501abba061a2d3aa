package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/taskflow/internal/auth"
	"github.com/suPer8Hu/taskflow/internal/common"
	"github.com/suPer8Hu/taskflow/internal/metrics"
	"github.com/suPer8Hu/taskflow/internal/ratelimit"
)

const (
	UserIDKey       = "user_id"
	RequestIDKey    = "request_id"
	RequestIDHeader = "X-Request-ID"
)

// Recovery answers panics with a 500 envelope instead of gin's plain text.
func Recovery(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithFields(logrus.Fields{
					"panic":      rec,
					"path":       c.Request.URL.Path,
					"request_id": c.GetString(RequestIDKey),
				}).Error("http: panic recovered")
				common.Fail(c, http.StatusInternalServerError, 50000, "internal server error")
			}
		}()
		c.Next()
	}
}

// RequestID keeps an incoming X-Request-ID or mints a ULID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id, _ = common.NewULID()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// AuthRequired resolves the bearer token to a user id or answers 401.
func AuthRequired(authn *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearer(c.GetHeader("Authorization"))
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing or invalid authorization header")
			return
		}
		uid, err := authn.Resolve(token)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid or expired token")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// RateLimit applies limiter per authenticated user. It must run after AuthRequired.
// A limiter error lets the request through.
func RateLimit(limiter ratelimit.Limiter, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetString(UserIDKey)
		if uid == "" {
			uid = c.ClientIP()
		}
		ok, err := limiter.Allow(c.Request.Context(), uid)
		if err != nil {
			log.WithError(err).Warn("http: rate limiter unavailable")
			c.Next()
			return
		}
		if !ok {
			c.Header("Retry-After", "60")
			common.Fail(c, http.StatusTooManyRequests, 42901, "too many requests, please slow down")
			return
		}
		c.Next()
	}
}

// Metrics records request count and latency by route template.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(route, c.Request.Method, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
