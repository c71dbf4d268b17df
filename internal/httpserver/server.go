package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/metrics"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/rbac"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/trace"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/util"
)

func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		userID, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		// store user_id in context so handlers can use it
		c.Set("user_id", userID)

		c.Next()
	}
}

// RequireRecipient rejects tokens that belong to a different recipient than
// the one this engine instance serves. The store holds exactly one
// recipient's inbox, so cross-recipient access is a scoping violation, not
// a lookup miss.
func RequireRecipient(recipientID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get("user_id")
		if !exists || userID.(string) != recipientID {
			c.JSON(http.StatusForbidden, gin.H{"error": "inbox belongs to another recipient"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequirePermission 检查用户是否有指定权限
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		if err := rbac.CheckPermission(userID.(string), permission); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Next()
	}
}

// TraceMiddleware threads the trace id through the request context and
// records per-route latency.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := trace.FromHeader(c.GetHeader(trace.HeaderName()))
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Writer.Header().Set(trace.HeaderName(), traceID)

		start := time.Now()
		c.Next()

		metrics.RecordHTTPRequestDuration(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
		)
	}
}
