package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/relaygate-project/relaygate/internal/relay"
)

// handleKickSession closes a session and both of its legs.
func (s *Server) handleKickSession(c *gin.Context) {
	id := c.Param("id")

	err := s.relay.Kick(c.Request.Context(), id)
	switch {
	case errors.Is(err, relay.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": id})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("session", id).Str("client_ip", c.ClientIP()).Msg("API: session kicked")

	c.JSON(http.StatusOK, gin.H{
		"status": "kicked",
		"id":     id,
	})
}
