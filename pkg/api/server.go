package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hearthd/hearthd/pkg/config"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/metrics"
	"github.com/hearthd/hearthd/pkg/policy"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/supervisor"
)

// Server is the control-plane HTTP facade over the supervisor.
type Server struct {
	cfg *config.Config
	sup *supervisor.Supervisor
	hub *wsHub

	engine  *gin.Engine
	handler http.Handler
	http    *http.Server
}

// NewServer builds the router. Call Run to serve.
func NewServer(cfg *config.Config, sup *supervisor.Supervisor) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		cfg:    cfg,
		sup:    sup,
		hub:    newWSHub(sup.Store()),
		engine: engine,
	}
	s.routes()

	// The websocket upgrade hijacks the connection, which gin's response
	// writer refuses, so /ws is served beside the engine.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", engine)
	s.handler = mux
	return s
}

func (s *Server) routes() {
	e := s.engine

	e.GET("/status", s.getStatus)
	e.POST("/startup", s.postStartup)
	e.POST("/shutdown", s.postShutdown)
	e.GET("/monitor", s.getMonitor)
	e.GET("/live", s.getLive)

	e.GET("/jobs", s.listJobs)
	e.POST("/jobs", s.createJob)
	e.PUT("/jobs/:id", s.updateJob)
	e.DELETE("/jobs/:id", s.deleteJob)
	e.POST("/jobs/:id/run", s.runJob)
	e.POST("/jobs/:id/enable", s.setJobEnabled(true))
	e.POST("/jobs/:id/disable", s.setJobEnabled(false))

	e.GET("/approvals/pending", s.listPendingApprovals)
	e.GET("/approvals/history", s.listApprovalHistory)
	e.POST("/approvals/:id/approve", s.resolveApproval(true))
	e.POST("/approvals/:id/deny", s.resolveApproval(false))

	e.GET("/events", s.listEvents)

	e.GET("/policy", s.getPolicy)
	e.PUT("/policy", s.putPolicy)

	e.POST("/tasks/delegate", s.delegateTask)
	e.POST("/edits", s.requestEdit)
	e.GET("/audit/trace/:cid", s.getAuditTrace)
	e.GET("/audit/today", s.getCostToday)
	e.POST("/backup/export", s.exportBackup)
	e.POST("/backup/request", s.requestBackup)

	e.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.hub.start(s.sup.Bus())
	defer s.hub.stop(s.sup.Bus())

	s.http = &http.Server{
		Addr:              s.cfg.APIAddr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	log.WithComponent("api").Info().Str("addr", s.cfg.APIAddr()).Msg("control plane listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the full route surface, /ws included, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// errorBody is the uniform error envelope.
type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()})
	case errors.Is(err, storage.ErrConflict):
		c.JSON(http.StatusConflict, errorBody{Code: "conflict", Message: err.Error(), RetryAfter: 1})
	case errors.Is(err, storage.ErrConstraint):
		c.JSON(http.StatusUnprocessableEntity, errorBody{Code: "constraint_violation", Message: err.Error()})
	case errors.Is(err, storage.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorBody{Code: "storage_unavailable", Message: err.Error(), RetryAfter: 5})
	case errors.Is(err, policy.ErrDenied):
		c.JSON(http.StatusForbidden, errorBody{Code: "policy_denied", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorBody{Code: "internal", Message: err.Error()})
	}
}

func respondValidation(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody{Code: "validation_error", Message: message})
}

// requestLogger writes one structured line per request.
func requestLogger() gin.HandlerFunc {
	logger := log.WithComponent("api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
