// Package httpserver exposes the ops API: job ingestion, report preview and
// runs, the watermark and the report archive.
package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/onexay/devpulse/internal/config"
	"github.com/onexay/devpulse/internal/jobs"
	"github.com/onexay/devpulse/internal/report"
	"github.com/onexay/devpulse/internal/schedule"
)

// Deps are the collaborators the routes call into. Schedules may be nil.
type Deps struct {
	Queue     *jobs.Queue
	Reports   *jobs.ReportProcessor
	Archive   *report.Archive
	Schedules *schedule.Scheduler
	Logger    *zap.SugaredLogger
}

// Server wraps the HTTP server configuration and dependencies.
type Server struct {
	http   *http.Server
	engine *gin.Engine
	logger *zap.SugaredLogger
}

// NewServer creates an HTTP server with routes and middleware.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	engine := gin.New()
	engine.Use(Recovery(deps.Logger), Logger(deps.Logger))
	registerRoutes(engine, &handlers{deps: deps})

	return &Server{
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		engine: engine,
		logger: deps.Logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the HTTP server and blocks until it is shut down.
func (s *Server) Run() error {
	s.logger.Infow("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func registerRoutes(r *gin.Engine, h *handlers) {
	r.GET("/healthz", h.health)

	v1 := r.Group("/api/v1")
	v1.POST("/jobs/:type", h.enqueue)
	v1.GET("/jobs/failed", h.failedJobs)
	v1.GET("/schedules", h.schedules)
	v1.GET("/watermark", h.watermark)

	v1.GET("/reports", h.listReports)
	v1.GET("/reports/preview", h.preview)
	v1.POST("/reports/run", h.run)
	v1.GET("/reports/:date", h.archived)
	v1.POST("/reports/:date/redeliver", h.redeliver)
	v1.GET("/reports/:date/diff", h.diff)
}
