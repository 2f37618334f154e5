// Package api contains the HTTP handlers for the task tracker REST API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"loopboard/backend/internal/auth"
	"loopboard/backend/internal/logging"
	"loopboard/backend/internal/loopengine"
	"loopboard/backend/internal/realtime"
	"loopboard/backend/internal/repository"
	"loopboard/backend/internal/services"
	"loopboard/backend/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Tasks  *services.TaskService
	Loops  *loopengine.Engine
	Store  repository.Store
	Hub    *realtime.Hub
	Logger *logging.Logger
}

// NewServer creates a new Server.
func NewServer(tasks *services.TaskService, loops *loopengine.Engine, store repository.Store, hub *realtime.Hub, logger *logging.Logger) *Server {
	return &Server{Tasks: tasks, Loops: loops, Store: store, Hub: hub, Logger: logger}
}

// RegisterRoutes mounts the API routes on the (authenticated) group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.GET("/tasks", s.ListTasks)
	g.POST("/tasks", s.CreateTask)
	g.GET("/tasks/:id", s.GetTask)
	g.DELETE("/tasks/:id", s.DeleteTask)
	g.POST("/tasks/:id/transition", s.TransitionTask)

	g.POST("/tasks/:id/loop", s.CreateLoop)
	g.GET("/tasks/:id/loop", s.GetLoop)
	g.PATCH("/tasks/:id/loop", s.MutateLoop)
	g.DELETE("/tasks/:id/loop", s.DeleteLoop)
	g.GET("/tasks/:id/history", s.ListHistory)
	g.GET("/tasks/:id/presence", s.GetPresence)
	g.POST("/tasks/:id/comments", s.CreateComment)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "loopboard",
		Version:   "1.0.0",
	})
}

// ProblemDetails represents an RFC 7807 Problem Details response. Validation
// failures additionally carry the per-step error list.
type ProblemDetails struct {
	Type     string             `json:"type"`
	Title    string             `json:"title"`
	Status   int                `json:"status"`
	Detail   string             `json:"detail"`
	Instance string             `json:"instance,omitempty"`
	Errors   []models.StepError `json:"errors,omitempty"`
}

// writeProblem writes an RFC 7807 Problem Details JSON error response.
func writeProblem(c echo.Context, status int, title, detail string, stepErrors []models.StepError) error {
	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
		Errors:   stepErrors,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(problem)
}

// domainError maps service-layer errors onto stable HTTP responses.
func (s *Server) domainError(c echo.Context, err error) error {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return writeProblem(c, http.StatusBadRequest, "Validation failed", verr.Error(), verr.Errors)
	case errors.Is(err, models.ErrInvalidAction):
		return writeProblem(c, http.StatusBadRequest, "Invalid action", err.Error(), nil)
	case errors.Is(err, models.ErrForbidden):
		return writeProblem(c, http.StatusForbidden, "Forbidden", err.Error(), nil)
	case errors.Is(err, repository.ErrNotFound):
		return writeProblem(c, http.StatusNotFound, "Not found", err.Error(), nil)
	case errors.Is(err, models.ErrConflict):
		return writeProblem(c, http.StatusConflict, "Conflict", err.Error(), nil)
	default:
		s.Logger.Error("request failed", "path", c.Request().URL.Path, "error", err)
		return writeProblem(c, http.StatusInternalServerError, "Internal server error", "an unexpected error occurred", nil)
	}
}

// identity extracts the authenticated caller placed by the auth middleware.
func identity(c echo.Context) (auth.Identity, error) {
	id, ok := auth.FromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "no identity in request context")
	}
	return id, nil
}
