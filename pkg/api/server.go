// Package api exposes the thin HTTP surface: a health endpoint, a few
// read-only dashboard queries, and the WebSocket upgrade that all
// realtime traffic flows through.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulsera-health/pulsera/pkg/aggregate"
	"github.com/pulsera-health/pulsera/pkg/alerts"
	"github.com/pulsera-health/pulsera/pkg/config"
	"github.com/pulsera-health/pulsera/pkg/episode"
	"github.com/pulsera-health/pulsera/pkg/version"
	"github.com/pulsera-health/pulsera/pkg/ws"
)

// Server is the HTTP front of the coordination service.
type Server struct {
	cfg       *config.Config
	manager   *ws.Manager
	router    *ws.Router
	alertSvc  *alerts.Service
	episodes  *episode.Engine
	aggregate *aggregate.Engine

	http *http.Server
}

// NewServer wires the HTTP server. Call Start to listen.
func NewServer(cfg *config.Config, manager *ws.Manager, router *ws.Router, alertSvc *alerts.Service, episodes *episode.Engine, agg *aggregate.Engine) *Server {
	return &Server{
		cfg:       cfg,
		manager:   manager,
		router:    router,
		alertSvc:  alertSvc,
		episodes:  episodes,
		aggregate: agg,
	}
}

// Engine builds the gin router with all routes registered.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(corsMiddleware(s.cfg.CORSOrigins))

	e.GET("/health", s.health)

	api := e.Group("/api")
	{
		api.GET("/status", s.status)
		api.GET("/alerts", s.activeAlerts)
		api.GET("/episodes", s.episodeHistory)
		api.GET("/zones", s.zones)
		api.GET("/zones/:zone", s.zoneSnapshot)
		api.GET("/community", s.community)
	}
	return e
}

// Handler returns the root handler: the WebSocket endpoint mounted on
// the raw http plumbing, gin for everything else.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.upgrade)
	mux.Handle("/", s.Engine())
	return mux
}

// Start listens on the configured port and blocks until shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Full()})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Status())
}

func (s *Server) activeAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.alertSvc.Active()})
}

func (s *Server) episodeHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"episodes": s.episodes.History()})
}

func (s *Server) zones(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"zones": s.aggregate.Zones()})
}

func (s *Server) zoneSnapshot(c *gin.Context) {
	zone := c.Param("zone")
	if len(s.aggregate.ZoneDevices(zone)) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "zone not found"})
		return
	}
	snap, ok := s.aggregate.Latest(zone)
	if !ok {
		snap = s.aggregate.AggregateZone(zone)
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) community(c *gin.Context) {
	c.JSON(http.StatusOK, s.aggregate.Community())
}
