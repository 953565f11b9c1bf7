package handlers

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/guest-match/config"
	"github.com/mossy-p/guest-match/internal/hub"
	"github.com/mossy-p/guest-match/internal/middleware"
	"github.com/mossy-p/guest-match/internal/session"
	"github.com/rs/zerolog/log"
)

// GuestResponse is returned when a guest token is issued or renewed
type GuestResponse struct {
	GuestID string `json:"guestId"`
	Token   string `json:"token"`
}

// Handlers serves the HTTP and websocket surface of the matchmaker
type Handlers struct {
	cfg      *config.Config
	hub      *hub.Hub
	sessions *session.Store
}

func New(cfg *config.Config, h *hub.Hub, sessions *session.Store) *Handlers {
	return &Handlers{cfg: cfg, hub: h, sessions: sessions}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Stats reports how many guests are connected, searching and paired
func (h *Handlers) Stats(c *gin.Context) {
	stats, err := h.hub.Stats(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("stats")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetRoom returns the status of an open room, without member identities
func (h *Handlers) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	info, ok, err := h.hub.Room(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// IssueGuest renews the caller's guest token, or mints a new guest, and
// stores the token in the cookie session so the websocket can resume it.
func (h *Handlers) IssueGuest(c *gin.Context) {
	guestID, token, err := h.sessions.IssueToken(c.Request.Context(), c.GetString(middleware.GuestTokenKey))
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("failed to issue guest token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue guest token"})
		return
	}

	s := sessions.Default(c)
	s.Set(middleware.GuestTokenKey, token)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("failed to save cookie session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue guest token"})
		return
	}

	log.Info().Str("module", "handlers").Str("guest", guestID).Msg("guest token issued")
	c.JSON(http.StatusOK, GuestResponse{GuestID: guestID, Token: token})
}
