package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Logger is a Gin middleware that logs every request with method, path,
// status code, and latency via logrus instead of the teacher's bare
// log.Printf, matching the structured logging used everywhere else in
// this module.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"component": "api",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"clientIP":  c.ClientIP(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start),
		}).Info("request")
	}
}

// Recovery wraps Gin's default recovery but logs panics in a structured way.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logrus.WithField("component", "api").Errorf("panic recovered: %v", err)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
