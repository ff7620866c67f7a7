package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UserHeader carries the id of the authenticated caller
const UserHeader = "X-User-ID"

const userKey = "user_id"

// corsMiddleware allows browser clients to call the API and read streams
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// userMiddleware rejects requests without a caller identity. Identity is
// established by the gateway in front of the server.
func userMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserHeader))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: ErrorDetail{
					Code:    "UNAUTHORIZED",
					Message: "missing " + UserHeader + " header",
				},
			})
			return
		}
		c.Set(userKey, userID)
		c.Next()
	}
}

// UserID returns the caller identity set by the user middleware
func UserID(c *gin.Context) string {
	return c.GetString(userKey)
}
