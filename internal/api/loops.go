package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"loopboard/backend/internal/loopengine"
	"loopboard/backend/pkg/models"
)

// CreateLoopRequest is the payload for attaching a loop to a task.
type CreateLoopRequest struct {
	Sequence []loopengine.StepDef `json:"sequence"`
	Parallel bool                 `json:"parallel,omitempty"`
}

// CreateLoop attaches a workflow loop to a task from explicit step
// definitions.
// (POST /api/v1/tasks/:id/loop)
func (s *Server) CreateLoop(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	task, err := s.Tasks.Get(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return s.domainError(c, err)
	}
	var req CreateLoopRequest
	if err := c.Bind(&req); err != nil {
		return writeProblem(c, http.StatusBadRequest, "Invalid request body", err.Error(), nil)
	}
	if len(req.Sequence) == 0 {
		return writeProblem(c, http.StatusBadRequest, "Invalid request body", "sequence must not be empty", nil)
	}
	loop, err := s.Loops.Create(c.Request().Context(), task, actor.UserID, req.Sequence, req.Parallel)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusCreated, loop)
}

// GetLoop returns the loop attached to a task.
// (GET /api/v1/tasks/:id/loop)
func (s *Server) GetLoop(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	if _, err := s.Tasks.Get(c.Request().Context(), c.Param("id"), actor); err != nil {
		return s.domainError(c, err)
	}
	loop, err := s.Loops.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, loop)
}

// MutateLoop applies an atomic batch of loop edits.
// (PATCH /api/v1/tasks/:id/loop)
func (s *Server) MutateLoop(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	task, err := s.Tasks.Get(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return s.domainError(c, err)
	}
	var req loopengine.MutateRequest
	if err := c.Bind(&req); err != nil {
		return writeProblem(c, http.StatusBadRequest, "Invalid request body", err.Error(), nil)
	}
	loop, err := s.Loops.Mutate(c.Request().Context(), task, actor.UserID, req)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, loop)
}

// DeleteLoop removes the loop and its history, leaving the task in place.
// (DELETE /api/v1/tasks/:id/loop)
func (s *Server) DeleteLoop(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	if _, err := s.Tasks.Get(c.Request().Context(), c.Param("id"), actor); err != nil {
		return s.domainError(c, err)
	}
	if err := s.Loops.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// ListHistory returns the loop's audit trail.
// (GET /api/v1/tasks/:id/history)
func (s *Server) ListHistory(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	if _, err := s.Tasks.Get(c.Request().Context(), c.Param("id"), actor); err != nil {
		return s.domainError(c, err)
	}
	history, err := s.Store.ListHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(c, err)
	}
	if history == nil {
		history = []models.LoopHistory{}
	}
	return c.JSON(http.StatusOK, history)
}
