package handlers

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/guest-match/internal/middleware"
	"github.com/rs/zerolog/log"
)

const sessionCookie = "matchmaker"

// NewRouter wires every route onto a fresh gin engine
func (h *Handlers) NewRouter() *gin.Engine {
	if h.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if !h.cfg.IsProduction() {
		router.Use(gin.Logger())
	}

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(h.cfg.AllowedOrigins))

	store := cookie.NewStore([]byte(h.cfg.TokenSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(h.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.IsProduction(),
	})
	router.Use(sessions.Sessions(sessionCookie, store))
	router.Use(middleware.GuestToken())

	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.POST("/guest", h.IssueGuest)
		api.GET("/stats", h.Stats)
		api.GET("/rooms/:roomId", h.GetRoom)
	}

	router.GET("/ws", h.ServeWS)

	log.Info().Str("module", "handlers").Strs("origins", h.cfg.AllowedOrigins).Msg("router setup")
	return router
}
