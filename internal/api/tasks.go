package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"loopboard/backend/internal/realtime"
	"loopboard/backend/internal/services"
	"loopboard/backend/pkg/models"
)

// ListTasks returns the caller's organization's tasks.
// (GET /api/v1/tasks)
func (s *Server) ListTasks(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	tasks, err := s.Tasks.List(c.Request().Context(), actor)
	if err != nil {
		return s.domainError(c, err)
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// CreateTask creates a task, deriving its loop when steps are provided.
// (POST /api/v1/tasks)
func (s *Server) CreateTask(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	var req services.CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return writeProblem(c, http.StatusBadRequest, "Invalid request body", err.Error(), nil)
	}
	task, err := s.Tasks.Create(c.Request().Context(), req, actor)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

// GetTask returns a single task.
// (GET /api/v1/tasks/:id)
func (s *Server) GetTask(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	task, err := s.Tasks.Get(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// DeleteTask removes a task together with its loop and history.
// (DELETE /api/v1/tasks/:id)
func (s *Server) DeleteTask(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	if err := s.Tasks.Delete(c.Request().Context(), c.Param("id"), actor); err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// TransitionRequest is the payload for a task transition.
type TransitionRequest struct {
	Action models.TaskAction `json:"action"`
}

// TransitionTask advances a task's lifecycle.
// (POST /api/v1/tasks/:id/transition)
func (s *Server) TransitionTask(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return writeProblem(c, http.StatusBadRequest, "Invalid request body", err.Error(), nil)
	}
	if req.Action == "" {
		return writeProblem(c, http.StatusBadRequest, "Invalid request body", "action is required", nil)
	}
	task, err := s.Tasks.Transition(c.Request().Context(), c.Param("id"), req.Action, actor)
	if err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// CommentRequest is the payload for posting a comment.
type CommentRequest struct {
	Body string `json:"body"`
}

// CreateComment relays a comment to the task's realtime channel. Comments are
// stored by the collaboration surface; the tracker only fans them out.
// (POST /api/v1/tasks/:id/comments)
func (s *Server) CreateComment(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	taskID := c.Param("id")
	if _, err := s.Tasks.Get(c.Request().Context(), taskID, actor); err != nil {
		return s.domainError(c, err)
	}
	var req CommentRequest
	if err := c.Bind(&req); err != nil {
		return writeProblem(c, http.StatusBadRequest, "Invalid request body", err.Error(), nil)
	}
	if req.Body == "" {
		return writeProblem(c, http.StatusBadRequest, "Invalid request body", "body is required", nil)
	}
	comment := &realtime.CommentCreated{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AuthorID:  actor.UserID,
		Body:      req.Body,
		CreatedAt: time.Now().UTC(),
	}
	s.Hub.CommentCreated(taskID, comment)
	return c.JSON(http.StatusCreated, comment)
}

// GetPresence returns who is live on the task's realtime channel.
// (GET /api/v1/tasks/:id/presence)
func (s *Server) GetPresence(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	taskID := c.Param("id")
	if _, err := s.Tasks.Get(c.Request().Context(), taskID, actor); err != nil {
		return s.domainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string][]string{"users": s.Hub.Presence(taskID)})
}
