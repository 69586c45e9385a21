package controlplane

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// apiRate bounds /v1 requests per client IP.
var apiRate = limiter.Rate{
	Period: time.Second,
	Limit:  20,
}

var corsConfig = cors.Config{
	AllowAllOrigins: true,
	AllowMethods:    []string{"GET", "POST", "HEAD"},
	AllowHeaders: []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Authorization",
	},
	MaxAge: 12 * time.Hour,
}

func corsHandler() gin.HandlerFunc {
	return cors.New(corsConfig)
}

// compression leaves /metrics alone, promhttp negotiates its own encoding.
func compression() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{"/health", "/metrics"}),
	)
}

func rateLimiter() gin.HandlerFunc {
	return mgin.NewMiddleware(
		limiter.New(memory.NewStore(), apiRate),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			abortJSON(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			abortJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
		}),
	)
}

func requestLogger() gin.HandlerFunc {
	httpLogger := slog.Default().WithGroup("http")

	return slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
		Filters: []slogGin.Filter{
			slogGin.IgnorePath("/health", "/metrics"),
		},
	})
}

func tokenAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" {
			got = c.Query("token")
		}

		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			slog.Debug("control plane unauthorized", "ip", c.ClientIP(), "path", c.FullPath())
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
			return
		}
		c.Next()
	}
}
