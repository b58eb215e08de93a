// Package httpapi exposes the engine over a thin HTTP layer. Transport
// concerns only: webhook ingestion, authentication, and conversation
// segmentation belong to the surrounding application.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fairwaylabs/patternd/internal/engine"
	"github.com/fairwaylabs/patternd/internal/feedback"
	"github.com/fairwaylabs/patternd/internal/importer"
	"github.com/fairwaylabs/patternd/internal/pattern"
	"github.com/fairwaylabs/patternd/internal/store"
)

// MessageProcessor handles one inbound message. Satisfied by both
// engine.Engine and engine.ShadowEngine.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, conversationID, channelID, text string, arrivedAt time.Time) (*engine.Decision, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints for patternd.
type Server struct {
	echo      *echo.Echo
	processor MessageProcessor
	engine    *engine.Engine
	importer  *importer.Importer
	logger    *zap.Logger
	config    Config
}

// NewServer creates the HTTP server. gatherer backs the /metrics
// endpoint; importer may be nil to disable the import endpoint.
func NewServer(processor MessageProcessor, eng *engine.Engine, imp *importer.Importer, gatherer prometheus.Gatherer, logger *zap.Logger, cfg Config) (*Server, error) {
	if processor == nil || eng == nil {
		return nil, fmt.Errorf("processor and engine are required")
	}
	if logger == nil {
		logger = zap.NewNop()
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

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))

			return err
		}
	})

	s := &Server{
		echo:      e,
		processor: processor,
		engine:    eng,
		importer:  imp,
		logger:    logger,
		config:    cfg,
	}

	e.GET("/health", s.handleHealth)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/api/v1")
	v1.POST("/messages", s.handleMessage)
	v1.GET("/suggestions", s.handleSuggestions)
	v1.POST("/executions/:id/outcome", s.handleOutcome)
	if imp != nil {
		v1.POST("/import", s.handleImport)
	}

	return s, nil
}

// MessageRequest is the request body for POST /api/v1/messages.
type MessageRequest struct {
	ConversationID string    `json:"conversation_id"`
	ChannelID      string    `json:"channel_id"`
	Text           string    `json:"text"`
	ArrivedAt      time.Time `json:"arrived_at"`
}

// OutcomeRequest is the request body for
// POST /api/v1/executions/:id/outcome.
type OutcomeRequest struct {
	Action    string `json:"action"`
	FinalText string `json:"final_text"`
}

// ImportRequest is the request body for POST /api/v1/import.
type ImportRequest struct {
	Content string `json:"content"`
}

// SuggestionsResponse is the response body for GET /api/v1/suggestions.
type SuggestionsResponse struct {
	Suggestions []pattern.ExecutionRecord `json:"suggestions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ConversationID == "" || req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id and text are required")
	}
	if req.ArrivedAt.IsZero() {
		req.ArrivedAt = time.Now()
	}

	decision, err := s.processor.ProcessMessage(c.Request().Context(), req.ConversationID, req.ChannelID, req.Text, req.ArrivedAt)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, decision)
}

func (s *Server) handleSuggestions(c echo.Context) error {
	recs, err := s.engine.ListPendingSuggestions(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	if recs == nil {
		recs = []pattern.ExecutionRecord{}
	}
	return c.JSON(http.StatusOK, SuggestionsResponse{Suggestions: recs})
}

func (s *Server) handleOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err := s.engine.RecordOutcome(c.Request().Context(), c.Param("id"), feedback.OperatorAction(req.Action), req.FinalText)
	if err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleImport(c echo.Context) error {
	var req ImportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	result, err := s.importer.Import(c.Request().Context(), req.Content)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// mapError translates engine errors into HTTP status codes. Raw store
// and provider failures never reach clients.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, store.ErrExecutionNotFound), errors.Is(err, store.ErrPatternNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pattern.ErrRecordFinalized):
		return echo.NewHTTPError(http.StatusConflict, "execution record already finalized")
	case errors.Is(err, feedback.ErrUnknownAction):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStoreUnavailable):
		s.logger.Error("store unavailable", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "pattern store unavailable")
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
