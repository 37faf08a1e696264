// Package api serves the read-side HTTP API, metrics and the downstream
// websocket endpoint.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rate-stream/internal/finnhub"
	"rate-stream/internal/logging"
	"rate-stream/internal/observability"
	"rate-stream/internal/storage"
)

// FeedStatus reports the upstream connection state.
type FeedStatus interface {
	IsConnected() bool
	State() finnhub.State
}

// SessionCounter reports the number of downstream sessions.
type SessionCounter interface {
	SessionCount() int
}

// Deps are the collaborators the API reads from. WS may be nil.
type Deps struct {
	Hourly   storage.HourlyAverageStore
	Latest   storage.LatestRateStore
	Feed     FeedStatus
	Sessions SessionCounter
	WS       http.Handler
}

// Server represents the API server.
type Server struct {
	router  *gin.Engine
	logger  *zap.Logger
	deps    Deps
	started time.Time
}

// NewServer creates the API server with all routes registered.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger).Named("api")

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{
		router:  router,
		logger:  logger,
		deps:    deps,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Router returns the gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// HTTPServer wraps the router in an *http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/status", s.status)
	s.router.GET("/metrics", gin.WrapH(observability.Handler()))
	if s.deps.WS != nil {
		s.router.GET("/ws", gin.WrapH(s.deps.WS))
	}

	rates := s.router.Group("/api")
	{
		rates.GET("/pairs", s.listPairs)
		rates.GET("/rates/latest", s.latestRate)
		rates.GET("/rates/hourly/latest", s.latestHourly)
		rates.GET("/rates/hourly", s.hourlyRange)
	}
}

func (s *Server) feedConnected() bool {
	return s.deps.Feed != nil && s.deps.Feed.IsConnected()
}

func (s *Server) sessionCount() int {
	if s.deps.Sessions == nil {
		return 0
	}
	return s.deps.Sessions.SessionCount()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"feedConnected": s.feedConnected(),
		"sessions":      s.sessionCount(),
	})
}

// StatusResponse is the JSON response for /status.
type StatusResponse struct {
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"startedAt"`
	Uptime        string    `json:"uptime"`
	FeedState     string    `json:"feedState"`
	FeedConnected bool      `json:"feedConnected"`
	Sessions      int       `json:"sessions"`
}

func (s *Server) status(c *gin.Context) {
	state := finnhub.StateIdle
	if s.deps.Feed != nil {
		state = s.deps.Feed.State()
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status:        "running",
		StartedAt:     s.started.UTC(),
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		FeedState:     state.String(),
		FeedConnected: s.feedConnected(),
		Sessions:      s.sessionCount(),
	})
}

// errorStatus maps storage errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
