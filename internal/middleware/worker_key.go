package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// WorkerKeyHeader carries the shared key issued to the owning system.
const WorkerKeyHeader = "X-Worker-Key"

// WorkerKeyMiddleware rejects requests that do not present the configured
// shared key, either in X-Worker-Key or as a bearer token. An empty
// configured key disables the check (dev/test deployments).
func WorkerKeyMiddleware(key string) gin.HandlerFunc {
	key = strings.TrimSpace(key)
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		presented := strings.TrimSpace(c.GetHeader(WorkerKeyHeader))
		if presented == "" {
			presented = bearerToken(c.GetHeader("Authorization"))
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
