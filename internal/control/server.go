// Package control exposes the capture agent's recording state to the UI layer:
// REST start/stop/status plus a websocket status stream.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivora/studio-backend/internal/capture"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // agent binds locally; the UI is the only expected peer
	},
}

// WSMessage is the websocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Server drives a capture controller over HTTP.
type Server struct {
	controller *capture.Controller
	logger     *zap.Logger
	interval   time.Duration
}

// NewServer creates the control server. interval is the status push cadence on
// the websocket stream.
func NewServer(controller *capture.Controller, interval time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{controller: controller, logger: logger, interval: interval}
}

// Routes registers the control routes on a gin engine.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/status", s.handleStatus)
	r.POST("/start", s.handleStart)
	r.POST("/stop", s.handleStop)
	r.GET("/ws", s.handleWS)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.Status())
}

func (s *Server) handleStart(c *gin.Context) {
	// The capture loop and its uploads outlive this request, so they must not
	// inherit the request context.
	if err := s.controller.Start(context.Background()); err != nil {
		s.logger.Error("start capture failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": s.controller.Status()})
		return
	}
	c.JSON(http.StatusOK, s.controller.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	s.controller.Stop()
	c.JSON(http.StatusOK, s.controller.Status())
}

// handleWS upgrades and pushes a status snapshot per interval until the client
// goes away.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(s.controller.Status())
			if err != nil {
				return
			}
			msg := WSMessage{Event: "status", Data: data}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// Run serves the control API until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.Routes(r)

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
