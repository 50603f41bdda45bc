package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"certforge/internal/utils"
)

// RequestLogger emits one structured line per request.
func RequestLogger(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"ip":       c.ClientIP(),
		}).Info("Request handled")
	}
}
