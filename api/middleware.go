package api

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalHeader = "X-Principal"

// LocalOnly rejects callers that are not on a loopback address.
func LocalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request on the api logger.
func RequestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			logger.Errorf("%s %s, status: %d, took: %s", c.Request.Method, c.FullPath(), status, time.Since(start))
			return
		}
		logger.Debugf("%s %s, status: %d, took: %s", c.Request.Method, c.FullPath(), status, time.Since(start))
	}
}

func principal(c *gin.Context) string {
	return c.GetHeader(principalHeader)
}
