package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const redacted = "********"

// handleGetConfig returns the running configuration with secrets redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	apiCfg := s.cfg.GetAPI()
	if apiCfg.AdminToken != "" {
		apiCfg.AdminToken = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"relay":    s.cfg.GetRelay(),
		"upstream": s.cfg.GetUpstream(),
		"rewrite":  s.cfg.GetRewrite(),
		"handoff":  s.cfg.GetHandoff(),
		"api":      apiCfg,
		"mqtt":     s.cfg.GetMQTT(),
		"logging":  s.cfg.GetLogging(),
	})
}
