// Package mcp exposes the orchestrator to MCP clients, so a voice agent
// can run workflows and drive builds as tool calls.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"voice-orchestrator/backend/internal/services"
	"voice-orchestrator/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	orch      *services.Orchestrator
}

func NewServer(orch *services.Orchestrator, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Voice Orchestrator",
			version,
			server.WithToolCapabilities(true),
		),
		orch: orch,
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
			"list_workflows",
			mcp.WithDescription("List the workflows (skills) that can be run"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_workflow",
			mcp.WithDescription("Run a workflow and wait for its result"),
			mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow id or slug")),
			mcp.WithObject("input", mcp.Description("Input data of the execution")),
			mcp.WithString("subjectId", mcp.Description("Session that receives progress events")),
		),
		s.handleRunWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_build",
			mcp.WithDescription("Start generating, verifying and deploying a project"),
			mcp.WithString("description", mcp.Required(), mcp.Description("What to build")),
			mcp.WithString("projectType", mcp.Required(),
				mcp.Enum("web-app", "api", "cli", "library", "full-stack"),
				mcp.Description("Kind of project")),
			mcp.WithString("preferredStack", mcp.Description("Preferred languages or frameworks")),
			mcp.WithString("deployTarget", mcp.Enum("localhost", "remote"), mcp.Description("Where to deploy")),
		),
		s.handleStartBuild,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"build_status",
			mcp.WithDescription("Get the status and log of a build"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the build")),
		),
		s.handleBuildStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_build",
			mcp.WithDescription("Cancel a running build"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the build")),
		),
		s.handleCancelBuild,
	)
}

func (s *Server) handleListWorkflows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflows, err := s.orch.ListWorkflows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}

	type summary struct {
		ID          string `json:"id"`
		Slug        string `json:"slug"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	out := make([]summary, 0, len(workflows))
	for _, w := range workflows {
		if w.IsActive {
			out = append(out, summary{ID: w.ID, Slug: w.Slug, Name: w.Name, Description: w.Description})
		}
	}
	return jsonResult(out)
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("workflow")
	if err != nil || ref == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow"), nil
	}
	args := request.GetArguments()
	input, _ := args["input"].(map[string]any)
	subject := request.GetString("subjectId", "")

	exec, err := s.orch.RunWorkflow(ctx, ref, input, subject)
	if exec == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run workflow: %v", err)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Workflow %s failed: %s", ref, exec.Error)), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleStartBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := models.BuildRequest{
		Description:    request.GetString("description", ""),
		ProjectType:    models.ProjectType(request.GetString("projectType", "")),
		PreferredStack: request.GetString("preferredStack", ""),
		DeployTarget:   models.DeployTarget(request.GetString("deployTarget", "")),
	}
	p, err := s.orch.StartBuild(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start build: %v", err)), nil
	}
	return jsonResult(p)
}

func (s *Server) handleBuildStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}
	p, err := s.orch.GetBuild(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get build: %v", err)), nil
	}
	return jsonResult(p)
}

func (s *Server) handleCancelBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}
	p, err := s.orch.CancelBuild(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel build: %v", err)), nil
	}
	return jsonResult(p)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
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
