// Package httpserver exposes the dispatcher's ingress and operational
// surface over HTTP: notification submission and status lookup, plus the
// health and metrics endpoints, wired the way cmd/bot wires its gin engine.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/meetsmatch/dispatcher/internal/dispatch"
	dispatcherrors "github.com/meetsmatch/dispatcher/internal/errors"
	"github.com/meetsmatch/dispatcher/internal/middleware"
	"github.com/meetsmatch/dispatcher/internal/monitoring"
	sentrypkg "github.com/meetsmatch/dispatcher/internal/sentrypkg"
)

// Server wires the dispatch service onto a gin engine.
type Server struct {
	engine  *gin.Engine
	service *dispatch.Service
	mon     *monitoring.MonitoringMiddleware
	srv     *http.Server
}

// Config configures the HTTP server.
type Config struct {
	Addr string
	// IngressRateLimit is the max requests per client IP before the
	// distributed per-tenant limiter is even consulted. Zero disables it.
	IngressRateLimit       int
	IngressRateLimitWindow time.Duration
}

// New builds a Server ready to ListenAndServe.
func New(cfg Config, service *dispatch.Service, mon *monitoring.MonitoringMiddleware) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(sentrypkg.GinMiddleware())
	if mon != nil {
		engine.Use(mon.GinMiddleware())
	}
	if cfg.IngressRateLimit > 0 {
		window := cfg.IngressRateLimitWindow
		if window <= 0 {
			window = time.Second
		}
		engine.Use(middleware.NewIngressLimiter(cfg.IngressRateLimit, window).Middleware())
	}

	s := &Server{engine: engine, service: service, mon: mon}
	s.registerRoutes()

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	if s.mon != nil {
		s.mon.RegisterRoutes(s.engine)
	}

	v1 := s.engine.Group("/v1")
	v1.POST("/notifications", s.handleSubmit)
	v1.GET("/notifications/:id", s.handleGetNotification)
	v1.GET("/notifications/:id/attempts", s.handleGetAttempts)
}

// ListenAndServe blocks serving HTTP until the context is cancelled, then
// shuts the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type submitRequestBody struct {
	TenantID         string            `json:"tenant_id" binding:"required"`
	Channel          string            `json:"channel" binding:"required"`
	Recipient        string            `json:"recipient" binding:"required"`
	TemplateID       string            `json:"template_id" binding:"required"`
	Context          map[string]string `json:"context"`
	Priority         string            `json:"priority"`
	VendorPreference *string           `json:"vendor_preference"`
	BatchID          *string           `json:"batch_id"`
	Metadata         map[string]string `json:"metadata"`
	IdempotencyKey   *string           `json:"idempotency_key"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var body submitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAppError(c, dispatcherrors.NewInvalidPayloadError("body", err.Error()))
		return
	}

	priority := dispatch.PriorityNormal
	if body.Priority != "" {
		priority = dispatch.Priority(body.Priority)
	}

	req := dispatch.SubmitRequest{
		TenantID:         body.TenantID,
		Channel:          dispatch.Channel(body.Channel),
		Recipient:        body.Recipient,
		TemplateID:       body.TemplateID,
		Context:          dispatch.Context(body.Context),
		Priority:         priority,
		VendorPreference: body.VendorPreference,
		BatchID:          body.BatchID,
		Metadata:         body.Metadata,
		IdempotencyKey:   body.IdempotencyKey,
	}

	n, err := s.service.Submit(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": n.ID})
}

func (s *Server) handleGetNotification(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeAppError(c, dispatcherrors.NewValidationError("id", "must be a UUID"))
		return
	}

	n, err := s.service.GetNotification(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, n)
}

func (s *Server) handleGetAttempts(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeAppError(c, dispatcherrors.NewValidationError("id", "must be a UUID"))
		return
	}

	attempts, err := s.service.GetAttempts(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func writeServiceError(c *gin.Context, err error) {
	if errors.Is(err, dispatch.ErrNotFound) {
		writeAppError(c, dispatcherrors.NewNotFoundError("notification"))
		return
	}
	if dispatch.IsConflictError(err) {
		writeAppError(c, dispatcherrors.NewConflictError(err.Error()))
		return
	}

	var appErr *dispatcherrors.AppError
	if errors.As(err, &appErr) {
		writeAppError(c, appErr)
		return
	}

	writeAppError(c, dispatcherrors.NewInternalError("submission failed", err))
}

func writeAppError(c *gin.Context, appErr *dispatcherrors.AppError) {
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}
