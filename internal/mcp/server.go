// Package mcp exposes the task tracker to agent tooling over the Model
// Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"loopboard/backend/internal/auth"
	"loopboard/backend/internal/loopengine"
	"loopboard/backend/internal/services"
	"loopboard/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	tasks     *services.TaskService
	loops     *loopengine.Engine
}

func NewServer(tasks *services.TaskService, loops *loopengine.Engine) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Loopboard Tasks",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		tasks: tasks,
		loops: loops,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_tasks",
			mcp.WithDescription("List the tasks in the caller's organization"),
		),
		s.handleListTasks,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_task",
			mcp.WithDescription("Fetch one task by id"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The ID of the task")),
		),
		s.handleGetTask,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"transition_task",
			mcp.WithDescription("Advance a task's lifecycle (START, SEND_FOR_REVIEW, REQUEST_CHANGES, DONE)"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The ID of the task")),
			mcp.WithString("action", mcp.Required(), mcp.Description("The transition action")),
		),
		s.handleTransitionTask,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"complete_step",
			mcp.WithDescription("Complete the current step of a stepped task"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The ID of the task")),
		),
		s.handleCompleteStep,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_loop",
			mcp.WithDescription("Fetch the workflow loop attached to a task"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("The ID of the task")),
		),
		s.handleGetLoop,
	)
}

// actor extracts the authenticated identity carried on the request context by
// the auth middleware.
func actor(ctx context.Context) (auth.Identity, *mcp.CallToolResult) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return auth.Identity{}, mcp.NewToolResultError("No authenticated identity")
	}
	return id, nil
}

func stringArg(request mcp.CallToolRequest, name string) (string, *mcp.CallToolResult) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return "", mcp.NewToolResultError("Invalid arguments type")
	}
	value, ok := args[name].(string)
	if !ok || value == "" {
		return "", mcp.NewToolResultError("Missing required parameter: " + name)
	}
	return value, nil
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := actor(ctx)
	if errResult != nil {
		return errResult, nil
	}

	tasks, err := s.tasks.List(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(tasks)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := actor(ctx)
	if errResult != nil {
		return errResult, nil
	}
	taskID, errResult := stringArg(request, "task_id")
	if errResult != nil {
		return errResult, nil
	}

	task, err := s.tasks.Get(ctx, taskID, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(task)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleTransitionTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := actor(ctx)
	if errResult != nil {
		return errResult, nil
	}
	taskID, errResult := stringArg(request, "task_id")
	if errResult != nil {
		return errResult, nil
	}
	action, errResult := stringArg(request, "action")
	if errResult != nil {
		return errResult, nil
	}

	task, err := s.tasks.Transition(ctx, taskID, models.TaskAction(action), id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to transition task: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(task)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleCompleteStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := actor(ctx)
	if errResult != nil {
		return errResult, nil
	}
	taskID, errResult := stringArg(request, "task_id")
	if errResult != nil {
		return errResult, nil
	}

	task, err := s.tasks.Transition(ctx, taskID, models.ActionDone, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to complete step: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(task)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetLoop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := actor(ctx)
	if errResult != nil {
		return errResult, nil
	}
	taskID, errResult := stringArg(request, "task_id")
	if errResult != nil {
		return errResult, nil
	}

	if _, err := s.tasks.Get(ctx, taskID, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get loop: %v", err)), nil
	}
	loop, err := s.loops.Get(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get loop: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(loop)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
