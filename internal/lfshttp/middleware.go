package lfshttp

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bravo68web/lfsgate/pkg/logger"
)

// RequestLogging logs every request with its correlation ID, method, path,
// status, and latency. It skips the healthz endpoint to keep it quiet.
func RequestLogging(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}

		start := time.Now()
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("request_id", rid)
		c.Header("X-Request-ID", rid)

		c.Next()

		latency := time.Since(start)
		fields := []logger.Field{
			logger.RequestID(rid),
			logger.Method(c.Request.Method),
			logger.Path(c.Request.URL.Path),
			logger.StatusCode(c.Writer.Status()),
			logger.Latency(latency),
			logger.ClientIP(c.ClientIP()),
		}

		switch {
		case c.Writer.Status() >= 500:
			log.Error("http request", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}

// Recovery converts a panic anywhere downstream into a 500 AppError
// response instead of crashing the server, logging the panic and a bounded
// stack trace first.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				rid, _ := c.Get("request_id")
				stack := debug.Stack()
				if len(stack) > 4096 {
					stack = stack[:4096]
				}
				log.Error("panic recovered",
					logger.Any("panic", r),
					logger.Method(c.Request.Method),
					logger.Path(c.Request.URL.Path),
					logger.String("stacktrace", string(stack)),
				)
				if c.IsAborted() {
					return
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
					Message:          "an internal error occurred",
					DocumentationURL: "",
					RequestID:        toStringOrEmpty(rid),
				})
			}
		}()
		c.Next()
	}
}

func toStringOrEmpty(v interface{}) string {
	s, _ := v.(string)
	return s
}

// Healthz reports basic liveness: the process is up and can answer HTTP.
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
