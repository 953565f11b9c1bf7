package middleware

import (
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// GuestTokenKey is both the gin context key and the cookie session key of
// the guest token
const GuestTokenKey = "guest_token"

// GuestToken picks up the guest token a client presents, if any, and stores
// it in the gin context. Sources in order: "Authorization: Bearer <token>",
// the "token" query parameter (browsers cannot set headers on a websocket
// handshake), then the cookie session. The token is verified later by the
// session store; a bad token simply yields a new guest.
func GuestToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearer(c.GetHeader("Authorization")); token != "" {
			c.Set(GuestTokenKey, token)
			c.Next()
			return
		}

		if token := c.Query("token"); token != "" {
			c.Set(GuestTokenKey, token)
			c.Next()
			return
		}

		if _, ok := c.Get(sessions.DefaultKey); ok {
			if token, ok := sessions.Default(c).Get(GuestTokenKey).(string); ok && token != "" {
				c.Set(GuestTokenKey, token)
			}
		}
		c.Next()
	}
}

// bearer extracts the token from "Bearer <token>"
func bearer(header string) string {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
