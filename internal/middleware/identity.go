// Package middleware holds the gin middleware of the HTTP API.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/psds-microservice/support-chat-service/internal/errs"
)

const (
	HeaderAdminToken = "X-Admin-Token"
	HeaderCallerID   = "X-Caller-ID"

	callerKey = "caller"
)

// Caller is who sent the request, as far as the API can tell.
type Caller struct {
	IsAdmin bool
	UserID  string
}

// Identity resolves the caller from headers. Browsers cannot set headers on a WebSocket
// handshake, so upgrades may pass admin_token and caller_id as query parameters instead.
func Identity(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderAdminToken)
		userID := c.GetHeader(HeaderCallerID)
		if websocket.IsWebSocketUpgrade(c.Request) {
			if token == "" {
				token = c.Query("admin_token")
			}
			if userID == "" {
				userID = c.Query("caller_id")
			}
		}
		c.Set(callerKey, Caller{
			IsAdmin: adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) == 1,
			UserID:  userID,
		})
		c.Next()
	}
}

func CallerFrom(c *gin.Context) Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(Caller); ok {
			return caller
		}
	}
	return Caller{}
}

// RequireAdmin rejects non-admin callers with 403.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CallerFrom(c).IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errs.ErrForbidden.Error()})
			return
		}
		c.Next()
	}
}
