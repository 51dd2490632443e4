// Package server exposes the download manager over HTTP. It serves the
// REST API, the SSE and WebSocket event feeds and the log viewer endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/shepherd-fetch/internal/config"
	"github.com/shepherd-project/shepherd-fetch/internal/download"
	"github.com/shepherd-project/shepherd-fetch/internal/logger"
	"github.com/shepherd-project/shepherd-fetch/internal/modelrepo"
	"github.com/shepherd-project/shepherd-fetch/internal/websocket"
)

// Config contains server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DownloadDir  string // base for relative target paths
	Mode         string
	Security     config.SecurityConfig
}

// ConfigFromSettings builds the server configuration from the loaded file
func ConfigFromSettings(cfg *config.Config, mode string) *Config {
	return &Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.WebPort,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		DownloadDir:  cfg.Download.Directory,
		Mode:         mode,
		Security:     cfg.Security,
	}
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	config     *Config

	downloads *download.Manager
	repo      *modelrepo.Client
	events    *websocket.Manager

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewServer wires the routes. repo may be nil, which disables repository
// lookups in model download requests.
func NewServer(cfg *Config, downloads *download.Manager, repo *modelrepo.Client) *Server {
	s := &Server{
		config:    cfg,
		downloads: downloads,
		repo:      repo,
	}

	s.events = websocket.NewManager(s.activeDownloads)
	if cfg.Security.CORSEnabled && !containsWildcard(cfg.Security.AllowedOrigins) {
		allowed := cfg.Security.AllowedOrigins
		s.events.SetCheckOrigin(func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		})
	}
	downloads.AddListener(s.events.DownloadListener())

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery(), requestIDMiddleware())
	if s.config.Security.CORSEnabled {
		s.engine.Use(corsMiddleware(s.config.Security.AllowedOrigins))
	}
	s.engine.Use(loggerMiddleware())
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	if s.config.Security.APIKeyEnabled {
		api.Use(apiKeyMiddleware(s.config.Security.APIKey))
	}

	api.GET("/info", s.handleServerInfo)

	downloads := api.Group("/downloads")
	{
		downloads.GET("", s.handleListDownloads)
		downloads.POST("", s.handleCreateDownload)
		downloads.GET("/stats", s.handleDownloadStats)
		downloads.GET("/:id", s.handleGetDownload)
		downloads.POST("/:id/pause", s.handlePauseDownload)
		downloads.POST("/:id/resume", s.handleResumeDownload)
		downloads.DELETE("/:id", s.handleDeleteDownload)
		downloads.GET("/:id/metadata", s.handleDownloadMetadata)
	}

	api.POST("/models/download", s.handleModelDownload)

	api.GET("/events", s.events.HandleSSE)
	api.GET("/ws", s.events.HandleWebSocket)
	api.GET("/logs/entries", s.handleLogEntries)
}

// activeDownloads counts tasks currently moving bytes
func (s *Server) activeDownloads() int {
	return s.downloads.Stats().ByState[download.StateDownloading.String()]
}

// Start starts the event manager and listens in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if stream := logger.GetLogStream(); stream != nil {
		s.events.ForwardLogs(stream)
	}
	s.events.Start()

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:     s.engine,
		ReadTimeout: s.config.ReadTimeout,
		// Zero keeps SSE and WebSocket streams open
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		logger.Infof("HTTP server listening on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server error")
		}
		logger.Info("HTTP server stopped")
	}()

	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the HTTP server down and closes every event stream. The
// download manager is owned by the caller and left running.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if httpServer == nil {
		return fmt.Errorf("server not started")
	}

	// Event streams never end on their own, so close them before Shutdown
	// waits for active connections.
	s.events.Stop()

	var shutdownErr error
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown timed out, forcing close")
		httpServer.Close()
		shutdownErr = err
	}

	s.wg.Wait()
	return shutdownErr
}

// GetEngine returns the gin engine
func (s *Server) GetEngine() *gin.Engine {
	return s.engine
}

// GetEventManager returns the SSE/WebSocket manager
func (s *Server) GetEventManager() *websocket.Manager {
	return s.events
}
