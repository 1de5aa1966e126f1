// Package api contains the HTTP handlers for the enrichment service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"enrichflow/backend/internal/auth"
	"enrichflow/backend/internal/engine"
	"enrichflow/backend/internal/repository"
	"enrichflow/backend/internal/services"
	"enrichflow/backend/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server holds the dependencies for the API server.
type Server struct {
	Store      repository.Store
	Engine     *engine.Engine
	Enrichment *services.EnrichmentService
	Auth       *auth.Auth
	TickLimit  int
	StuckAfter time.Duration
}

// NewServer creates a new Server.
func NewServer(store repository.Store, eng *engine.Engine, enrichment *services.EnrichmentService,
	authz *auth.Auth, tickLimit int, stuckAfter time.Duration) *Server {
	return &Server{
		Store:      store,
		Engine:     eng,
		Enrichment: enrichment,
		Auth:       authz,
		TickLimit:  tickLimit,
		StuckAfter: stuckAfter,
	}
}

// Router builds the echo instance with all routes registered. Callback
// endpoints are unauthenticated because providers sign nothing; operator
// endpoints require a bearer token.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = problemErrorHandler

	e.GET("/healthz", s.HandleHealth)
	e.POST("/api/v1/callbacks/:step", s.HandleCallback)

	ops := e.Group("/api/v1", s.Auth.RequireAuth)
	ops.POST("/batches", s.CreateBatch)
	ops.GET("/batches/:id/state", s.BatchState)
	ops.POST("/trigger", s.HandleTrigger)
	ops.POST("/ticks/sequencer", s.RunSequencerTick)
	ops.POST("/ticks/dispatcher", s.RunDispatcherTick)
	ops.GET("/reports/stuck", s.StuckReport)
	ops.POST("/items/:item/steps/:step/reset", s.ResetStep)

	return e
}

// problemErrorHandler renders every error as an RFC 7807 problem document.
func problemErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	detail := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		detail = fmt.Sprintf("%v", he.Message)
	}

	problem := models.ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	_ = c.JSON(status, problem)
}

// HandleHealth returns basic health status (always returns 200 OK)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, models.HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "enrichflow",
		Version:   Version,
	})
}

// CreateBatchRequest is the payload accepted by CreateBatch.
type CreateBatchRequest struct {
	Blueprint []string          `json:"blueprint"`
	Items     []*models.WorkItem `json:"items"`
}

// CreateBatch creates a batch with its items and seeds the first blueprint
// step for each item
// (POST /api/v1/batches)
func (s *Server) CreateBatch(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if len(req.Blueprint) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "blueprint must not be empty")
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "batch must contain at least one item")
	}

	// a step appearing twice would make "the row after mine" ambiguous
	seen := make(map[string]bool, len(req.Blueprint))
	for _, step := range req.Blueprint {
		if seen[step] {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("blueprint contains duplicate step %q", step))
		}
		seen[step] = true

		if _, err := s.Store.StepDefinition(ctx, step); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("blueprint references unregistered step %q", step))
		}
	}

	clientID, _ := c.Get(auth.ClientIDKey).(string)
	batch := &models.Batch{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Status:    models.BatchStatusPending,
		Blueprint: req.Blueprint,
	}
	for _, item := range req.Items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.BatchID = batch.ID
	}

	if err := s.Store.CreateBatch(ctx, batch, req.Items); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create batch: "+err.Error())
	}

	return c.JSON(http.StatusCreated, batch)
}

// BatchState returns per-(step,status) row counts for a batch
// (GET /api/v1/batches/:id/state)
func (s *Server) BatchState(c echo.Context) error {
	ctx := c.Request().Context()

	counts, err := s.Store.BatchStateSummary(ctx, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, counts)
}

// HandleCallback accepts an asynchronous enrichment result for an item
// (POST /api/v1/callbacks/:step)
func (s *Server) HandleCallback(c echo.Context) error {
	ctx := c.Request().Context()

	var body struct {
		ItemID  string          `json:"item_id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	err := s.Enrichment.Receive(ctx, services.CallbackResult{
		ItemID:   body.ItemID,
		StepName: c.Param("step"),
		Payload:  body.Payload,
	})
	if errors.Is(err, services.ErrInvalidPayload) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleTrigger pokes the advancement trigger so the scheduler runs a tick
// soon instead of waiting for the next interval
// (POST /api/v1/trigger)
func (s *Server) HandleTrigger(c echo.Context) error {
	s.Engine.Trigger().Notify()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "triggered"})
}

// RunSequencerTick runs one sequencer pass and returns its summary
// (POST /api/v1/ticks/sequencer)
func (s *Server) RunSequencerTick(c echo.Context) error {
	summary, err := s.Engine.RunSequencerTick(c.Request().Context(), s.TickLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

// RunDispatcherTick runs one dispatcher pass and returns its summary
// (POST /api/v1/ticks/dispatcher)
func (s *Server) RunDispatcherTick(c echo.Context) error {
	summary, err := s.Engine.RunDispatcherTick(c.Request().Context(), s.TickLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

// StuckReport lists QUEUED rows whose executor handoff apparently never
// happened
// (GET /api/v1/reports/stuck)
func (s *Server) StuckReport(c echo.Context) error {
	cutoff := time.Now().Add(-s.StuckAfter)
	states, err := s.Store.StuckStates(c.Request().Context(), cutoff)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, states)
}

// ResetStep flips a FAILED (item,step) row back to PENDING
// (POST /api/v1/items/:item/steps/:step/reset)
func (s *Server) ResetStep(c echo.Context) error {
	reset, err := s.Store.ResetFailed(c.Request().Context(), c.Param("item"), c.Param("step"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !reset {
		return echo.NewHTTPError(http.StatusConflict, "state is not FAILED")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}
