package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/kbilling/internal/enforce"
	"github.com/goodtune/kbilling/internal/reconcile"
	"github.com/rs/zerolog"
)

// SnapshotSource publishes the current session view.
type SnapshotSource interface {
	Snapshot() *reconcile.Snapshot
}

// UsageSource reports paid usage for the current day.
type UsageSource interface {
	TodayUsage(ctx context.Context) (time.Duration, error)
}

// ModeSource reports the enforcement mode.
type ModeSource interface {
	Mode() enforce.Mode
}

// Status is the body of GET /api/status.
type Status struct {
	*reconcile.Snapshot
	Enforcement       string `json:"enforcement,omitempty"`
	TodayUsageSeconds *int64 `json:"today_usage_seconds,omitempty"`
}

// Server is the local status HTTP server. Usage and mode are optional.
type Server struct {
	snapshots SnapshotSource
	usage     UsageSource
	mode      ModeSource
	server    *http.Server
	listener  net.Listener
	logger    zerolog.Logger
}

// NewServer creates the status server.
func NewServer(addr string, snapshots SnapshotSource, usage UsageSource, mode ModeSource, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		snapshots: snapshots,
		usage:     usage,
		mode:      mode,
		logger:    logger.With().Str("component", "status-api").Logger(),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/api/status", s.handleStatus)
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleStatus(c *gin.Context) {
	status := Status{Snapshot: s.snapshots.Snapshot()}

	if s.mode != nil {
		status.Enforcement = s.mode.Mode().String()
	}
	if s.usage != nil {
		used, err := s.usage.TodayUsage(c.Request.Context())
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to read today's usage")
		} else {
			seconds := int64(used / time.Second)
			status.TodayUsageSeconds = &seconds
		}
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("remote_addr", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Status request")
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the status server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting status API")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated status listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status API error")
		}
	}()
	return nil
}

// Stop stops the status server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping status API")
	return s.server.Shutdown(ctx)
}
