package middlewares

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/course-settlement/utils"
)

// LoggerMiddleware logs one line per request. Query strings are left out
// because gateway callbacks carry signatures in them.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			utils.ErrorLogger.WithFields(fields).Warn(c.Errors.String())
			return
		}
		utils.InfoLogger.WithFields(fields).Info("Request handled")
	}
}
