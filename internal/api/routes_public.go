package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/relaygate-project/relaygate/internal/connector"
	"github.com/relaygate-project/relaygate/internal/protocol"
	"github.com/relaygate-project/relaygate/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "relaygate",
		"version": s.version,
	})
}

// handleGetSystem returns host and process information.
func (s *Server) handleGetSystem(c *gin.Context) {
	sysInfo := util.GetSystemInfo()
	resp := gin.H{
		"hostname":        sysInfo.Hostname,
		"os":              sysInfo.OS,
		"architecture":    sysInfo.Architecture,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
		"go_version":      sysInfo.GoVersion,
	}

	if usage, err := util.GetProcessUsage(); err == nil {
		resp["process"] = usage
	}

	c.JSON(http.StatusOK, resp)
}

// handleServerData answers the game client's server-data request. The
// upstream response is passed through with the server address replaced by
// the relay's, so the client connects here instead.
func (s *Server) handleServerData(c *gin.Context) {
	backend, err := s.resolver.Lookup(c.Request.Context())
	if err != nil {
		log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("bootstrap lookup failed")
		c.String(http.StatusBadGateway, "lookup failed")
		return
	}

	relayCfg := s.cfg.GetRelay()
	body := rewriteServerData(backend, relayCfg.PublicHost, relayCfg.ListenPort)

	log.Debug().
		Str("client_ip", c.ClientIP()).
		Str("backend", backend.Addr()).
		Msg("bootstrap answered")

	c.Data(http.StatusOK, "text/html", body)
}

// rewriteServerData replaces the server and port lines of a lookup response
// and keeps every other line, including the trailing end marker, as sent.
func rewriteServerData(backend *connector.Backend, host string, port int) []byte {
	if len(backend.Raw) == 0 {
		rec := backend.Record
		if rec == nil {
			rec = protocol.NewRecord()
			rec.Set("meta", backend.Meta)
		}
		rec.Set("server", host)
		rec.Set("port", strconv.Itoa(port))
		return rec.Encode()
	}

	lines := strings.Split(string(backend.Raw), "\n")
	for i, line := range lines {
		key, _, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		eol := ""
		if strings.HasSuffix(line, "\r") {
			eol = "\r"
		}
		switch key {
		case "server":
			lines[i] = "server|" + host + eol
		case "port":
			lines[i] = "port|" + strconv.Itoa(port) + eol
		}
	}
	return []byte(strings.Join(lines, "\n"))
}
