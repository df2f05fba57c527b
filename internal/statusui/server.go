// Package statusui serves the runner's status page: a JSON snapshot API,
// a small HTML dashboard, a websocket stream of snapshots, and the
// Prometheus scrape endpoint.
package statusui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	promclient "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/cycle"
	"github.com/metyatech/agent-runner/internal/logging"
	"github.com/metyatech/agent-runner/internal/state"
)

// pushInterval is how often websocket clients get a fresh snapshot.
const pushInterval = 5 * time.Second

// Server is the status HTTP server.
type Server struct {
	cfg    *config.Config
	store  *state.Store
	logger logging.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer wires routes onto a fresh gin engine.
func NewServer(cfg *config.Config, store *state.Store, logger logging.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	engine.GET("/", s.handleIndex)
	engine.GET("/api/status", s.handleStatus)
	engine.GET("/ws", s.handleWebsocket)
	engine.GET("/metrics", gin.WrapH(promclient.Handler()))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.UI.Host, cfg.UI.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status UI on http://%s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	snap, err := cycle.BuildSnapshot(c.Request.Context(), s.cfg, s.store)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, indexHTML)
}

// handleWebsocket streams snapshots until the client goes away.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	push := func() bool {
		snap, err := cycle.BuildSnapshot(c.Request.Context(), s.cfg, s.store)
		if err != nil {
			s.logger.Warn("snapshot for websocket: %v", err)
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			return false
		}
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}
