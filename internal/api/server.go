// Package api exposes the monitoring HTTP surface. All semantics live in
// internal/engine; handlers only translate JSON and error kinds.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperr "github.com/opsmend/opsmend/internal/errors"
)

// Server wraps the gin engine and its http.Server for graceful shutdown.
type Server struct {
	handler *Handler
	srv     *http.Server
	logger  *slog.Logger
}

// NewServer builds the HTTP server on the given listen address.
func NewServer(listen string, handler *Handler) *Server {
	s := &Server{
		handler: handler,
		logger:  slog.Default().With("component", "api"),
	}
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handler.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	monitoring := engine.Group("/api/v1/monitoring")
	monitoring.POST("/analyze-logs", s.handler.analyzeLogs)
	monitoring.POST("/alert", s.handler.ingestAlert)
	monitoring.GET("/bugs", s.handler.listBugs)
	monitoring.GET("/bugs/:id", s.handler.getBug)
	monitoring.POST("/bugs/:id/heal", s.handler.triggerHeal)
	monitoring.GET("/health", s.handler.healthAll)
	monitoring.GET("/health/:service", s.handler.healthService)

	return engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server starting", "listen", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// statusFor maps application error kinds onto HTTP statuses.
func statusFor(err error) int {
	kind, ok := apperr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyHealing, apperr.KindInvalidTransition:
		return http.StatusConflict
	case apperr.KindClassificationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
