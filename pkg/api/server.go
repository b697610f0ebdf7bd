// Package api provides the HTTP control surface for the bridge
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/james-see/netmidi2usb/pkg/bridge"
	"github.com/james-see/netmidi2usb/pkg/device"
	"github.com/james-see/netmidi2usb/pkg/logging"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// @title netmidi2usb API
// @version 1.0
// @description Control surface for the network MIDI to USB MIDI bridge
// @host localhost:5003
// @BasePath /

// Response bodies of /reconnect
const (
	ReconnectOK     = "MIDI port reconnected successfully."
	ReconnectFailed = "Failed to reconnect MIDI port. Please check the device connection."
)

// statusPoll is how often websocket clients are checked for status changes
const statusPoll = 250 * time.Millisecond

// Server serves the control routes for one binding and sink
type Server struct {
	binding *bridge.Binding
	sink    *bridge.Sink
	logger  *zap.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer builds the gin engine and registers every route
func NewServer(binding *bridge.Binding, sink *bridge.Sink, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		binding: binding,
		sink:    sink,
		logger:  logger.With(zap.String("component", "api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the control port is meant for a trusted local network
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(logging.GinMiddleware(logger))
	r.Use(corsMiddleware())

	r.GET("/reconnect", s.reconnect)
	r.GET("/status", s.status)
	r.GET("/health", healthCheck)
	r.GET("/stats", s.stats)
	r.GET("/ports", s.ports)
	r.GET("/ws", s.stream)

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	s.engine = r
	return s
}

// Handler returns the router for use with an http.Server
func (s *Server) Handler() http.Handler {
	return s.engine
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(logging.RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// reconnect godoc
// @Summary Rebind the MIDI output
// @Description Closes the current output, re-enumerates and opens the first port matching the configured device name
// @Tags control
// @Produce plain
// @Success 200 {string} string "MIDI port reconnected successfully."
// @Failure 500 {string} string "Failed to reconnect MIDI port. Please check the device connection."
// @Router /reconnect [get]
func (s *Server) reconnect(c *gin.Context) {
	if _, err := s.binding.Reconnect(); err != nil {
		_ = c.Error(err)
		c.String(http.StatusInternalServerError, ReconnectFailed)
		return
	}
	c.String(http.StatusOK, ReconnectOK)
}

// status godoc
// @Summary Current binding
// @Description Returns the last published binding snapshot without touching hardware
// @Tags control
// @Produce json
// @Success 200 {object} bridge.Status
// @Router /status [get]
func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.binding.Status())
}

// healthCheck godoc
// @Summary Health check endpoint
// @Description Returns the health status of the API
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "netmidi2usb",
	})
}

// stats godoc
// @Summary Forwarding counters
// @Tags info
// @Produce json
// @Success 200 {object} bridge.Stats
// @Router /stats [get]
func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sink.Stats())
}

// ports godoc
// @Summary List MIDI outputs
// @Description Enumerates the hardware output ports visible right now
// @Tags info
// @Produce json
// @Success 200 {object} map[string][]device.Endpoint
// @Failure 500 {object} map[string]string
// @Router /ports [get]
func (s *Server) ports(c *gin.Context) {
	endpoints, err := s.binding.Endpoints()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if endpoints == nil {
		endpoints = []device.Endpoint{}
	}
	c.JSON(http.StatusOK, gin.H{
		"match": s.binding.Match(),
		"ports": endpoints,
	})
}
