// Package httpapi provides the HTTP API for remedyd.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/feedback"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
)

// maxImportBytes bounds learning snapshot uploads.
const maxImportBytes = 10 << 20

// Pipeline is the orchestrator surface the API exposes.
type Pipeline interface {
	Process(ctx context.Context, event *incident.Event) (*incident.Result, error)
	RecordHumanFeedback(ctx context.Context, incidentID string, human *incident.HumanFeedback) error
	Active() []*orchestrator.Record
	History(limit int) []*orchestrator.Record
	Lookup(incidentID string) (*orchestrator.Record, bool)
	Stats() orchestrator.Stats
}

// Learning is the feedback-system surface the API exposes.
type Learning interface {
	Export() ([]byte, error)
	Import(data []byte) error
	Snapshot() feedback.Metrics
}

// Server provides HTTP endpoints for remedyd.
type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	learning Learning
	logger   *logging.Logger
	cfg      config.ServerConfig
}

// NewServer creates the HTTP server over the pipeline and learning
// surfaces.
func NewServer(pipeline Pipeline, learning Learning, logger *logging.Logger, cfg config.ServerConfig) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if learning == nil {
		return nil, fmt.Errorf("learning surface is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		pipeline: pipeline,
		learning: learning,
		logger:   logger,
		cfg:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/incidents", s.handleCreateIncident)
	v1.GET("/incidents", s.handleListIncidents)
	v1.GET("/incidents/:id", s.handleGetIncident)
	v1.POST("/feedback", s.handleFeedback)
	v1.GET("/learning/export", s.handleExport)
	v1.POST("/learning/import", s.handleImport)
	v1.GET("/stats", s.handleStats)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleCreateIncident runs one incident through the pipeline and
// returns the remediation result.
func (s *Server) handleCreateIncident(c echo.Context) error {
	var event incident.Event
	if err := c.Bind(&event); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid incident request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.pipeline.Process(c.Request().Context(), &event)
	if err != nil {
		if strings.Contains(err.Error(), "already being processed") {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// IncidentListResponse is the response body for GET /api/v1/incidents.
type IncidentListResponse struct {
	Active  []*orchestrator.Record `json:"active"`
	History []*orchestrator.Record `json:"history"`
}

func (s *Server) handleListIncidents(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = parsed
	}
	return c.JSON(http.StatusOK, IncidentListResponse{
		Active:  s.pipeline.Active(),
		History: s.pipeline.History(limit),
	})
}

func (s *Server) handleGetIncident(c echo.Context) error {
	record, ok := s.pipeline.Lookup(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "incident not found")
	}
	return c.JSON(http.StatusOK, record)
}

// FeedbackRequest is the request body for POST /api/v1/feedback.
type FeedbackRequest struct {
	IncidentID string  `json:"incident_id"`
	Rating     float64 `json:"rating"`
	Comment    string  `json:"comment,omitempty"`
	Author     string  `json:"author,omitempty"`
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.IncidentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "incident_id field is required")
	}
	if req.Rating < 0 || req.Rating > 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "rating must be in [0,1]")
	}

	human := &incident.HumanFeedback{
		Rating:  req.Rating,
		Comment: req.Comment,
		Author:  req.Author,
	}
	if err := s.pipeline.RecordHumanFeedback(c.Request().Context(), req.IncidentID, human); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleExport(c echo.Context) error {
	data, err := s.learning.Export()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

func (s *Server) handleImport(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxImportBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if err := s.learning.Import(data); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// StatsResponse is the response body for GET /api/v1/stats.
type StatsResponse struct {
	Pipeline orchestrator.Stats `json:"pipeline"`
	Learning feedback.Metrics   `json:"learning"`
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		Pipeline: s.pipeline.Stats(),
		Learning: s.learning.Snapshot(),
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
