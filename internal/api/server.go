package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/relaygate-project/relaygate/internal/config"
	"github.com/relaygate-project/relaygate/internal/connector"
	"github.com/relaygate-project/relaygate/internal/metrics"
	intnet "github.com/relaygate-project/relaygate/internal/network"
	"github.com/relaygate-project/relaygate/internal/relay"
	"github.com/relaygate-project/relaygate/internal/util"
)

// RelayView is the part of the relay engine the API reads and controls.
type RelayView interface {
	Sessions() []relay.SessionInfo
	Handoffs() []relay.HandoffInfo
	Stats() relay.Stats
	Kick(ctx context.Context, id string) error
}

// Server serves the HTTPS bootstrap endpoint and the management API.
type Server struct {
	cfg      *config.Config
	relay    RelayView
	resolver connector.Resolver
	metrics  *metrics.Metrics
	version  string

	// HTTP server
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, view RelayView, resolver connector.Resolver, m *metrics.Metrics, version string) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		relay:    view,
		resolver: resolver,
		metrics:  m,
		version:  version,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	addr := apiCfg.ListenAddr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		tlsConfig, err := s.loadTLS(apiCfg)
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = tlsConfig
	}

	// Create listener with SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("API server starting")

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

// loadTLS loads the configured key pair, generating a self-signed one for the
// public host and the names the game client resolves when none exists.
func (s *Server) loadTLS(apiCfg config.APIConfig) (*tls.Config, error) {
	if !util.FileExists(apiCfg.TLSCertFile) || !util.FileExists(apiCfg.TLSKeyFile) {
		hosts := []string{s.cfg.GetRelay().PublicHost, s.cfg.GetUpstream().HostHeader, "localhost"}
		if err := util.GenerateSelfSignedCert(apiCfg.TLSCertFile, apiCfg.TLSKeyFile, hosts...); err != nil {
			return nil, fmt.Errorf("failed to generate TLS certificate: %w", err)
		}
		log.Warn().Str("cert", apiCfg.TLSCertFile).Msg("generated self-signed TLS certificate")
	}

	cert, err := tls.LoadX509KeyPair(apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	// ---- Game client bootstrap ----
	router.POST("/growtopia/server_data.php", s.handleServerData)

	// ---- Public endpoints (no auth required) ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/system", s.handleGetSystem)
	}

	// ---- Management endpoints ----
	protected := router.Group("/api")
	protected.Use(RequireToken(apiCfg.AdminToken))
	{
		protected.GET("/stats", s.handleGetStats)
		protected.GET("/sessions", s.handleGetSessions)
		protected.DELETE("/sessions/:id", s.handleKickSession)
		protected.GET("/handoffs", s.handleGetHandoffs)
		protected.GET("/config", s.handleGetConfig)
		protected.GET("/logs", s.handleGetLogEntries)
	}

	if apiCfg.MetricsEnabled && s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
