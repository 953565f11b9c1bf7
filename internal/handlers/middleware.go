package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// OriginFilter rejects browser requests from origins not listed in
// allowedOrigins. A "*" entry allows any origin; requests without an Origin
// header (native clients, health probes) always pass.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	wildcard := lo.Contains(allowedOrigins, "*")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		// If no origin header (direct WebSocket connection), check Sec-WebSocket-Origin
		if origin == "" {
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}

		allowed := origin != "" && (wildcard || lo.Contains(allowedOrigins, origin))
		if !allowed && origin != "" {
			log.Warn().Str("module", "handlers").Str("origin", origin).Str("path", c.Request.URL.Path).Msg("origin rejected")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}

		// Set CORS headers for allowed origins
		if allowed {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
