package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/db"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/lobby"
	"github.com/energizer-project/relay/internal/metrics"
	"github.com/energizer-project/relay/internal/util"
	"github.com/energizer-project/relay/internal/websocket"
)

// HistoryReader serves finished room sessions.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]db.Session, error)
	Totals(ctx context.Context) (db.Totals, error)
}

// Server is the lobby and operator REST API.
type Server struct {
	cfg      *config.Config
	lobby    *lobby.Lobby
	history  HistoryReader
	eventBus *events.EventBus
	version  string
	logger   zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server and builds its routes. history may be nil.
func NewServer(cfg *config.Config, l *lobby.Lobby, history HistoryReader, eventBus *events.EventBus, version string) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		lobby:    l,
		history:  history,
		eventBus: eventBus,
		version:  version,
		logger:   util.ComponentLogger("api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.APIAddr()
	security := s.cfg.GetApplicationData().Security

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := websocket.ListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	if security.TLSEnabled {
		hosts := []string{"localhost", "127.0.0.1"}
		if name, err := os.Hostname(); err == nil {
			hosts = append(hosts, name)
		}
		if _, err := util.EnsureCertificate(security.TLSCertFile, security.TLSKeyFile, hosts); err != nil {
			ln.Close()
			return fmt.Errorf("failed to prepare API TLS certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(security.TLSCertFile, security.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to load API TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		})
	}

	s.logger.Info().Str("addr", addr).Bool("tls", security.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	security := s.cfg.GetApplicationData().Security

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	allowedOrigins := security.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(security.RateLimitRPS).Middleware())

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/lobby", s.handleGetLobby)
	}

	lobbyGroup := router.Group("/api/lobby")
	{
		lobbyGroup.POST("/rooms", s.handleCreateRoom)
	}

	protected := router.Group("/api")
	protected.Use(IPWhitelist(security.IPWhitelist))
	protected.Use(RequireToken(security.APIToken))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/rooms", s.handleListRooms)
		monitor.GET("/rooms/:id", s.handleGetRoom)
		monitor.GET("/history", s.handleGetHistory)
		monitor.GET("/cpu", s.handleGetCPUUsage)
		monitor.GET("/memory", s.handleGetMemoryUsage)
		monitor.GET("/process", s.handleGetProcessUsage)
	}

	control := protected.Group("/control")
	{
		control.DELETE("/rooms/:id", s.handleCloseRoom)
		control.GET("/config", s.handleGetConfig)
		control.POST("/config/:field", s.handleSetAppField)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
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
