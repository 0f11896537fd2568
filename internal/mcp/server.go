// Package mcp exposes the workflow registry as Model Context Protocol tools.
// Every tool acts on behalf of the user authenticated on the HTTP request.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"flowdeck/backend/internal/auth"
	"flowdeck/backend/internal/catalog"
	"flowdeck/backend/internal/services"
	"flowdeck/backend/pkg/models"
)

// Registry is the part of the workflow service the tools use.
type Registry interface {
	Marketplace(ctx context.Context, f catalog.Filters, page, limit int) (*services.MarketplacePage, error)
	List(ctx context.Context, userID string) ([]*models.Workflow, error)
	RunOnce(ctx context.Context, userID, id string, input map[string]any) (string, error)
}

type Server struct {
	mcpServer *server.MCPServer
	registry  Registry
}

func NewServer(registry Registry) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Flowdeck",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		registry: registry,
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
			"list_templates",
			mcp.WithDescription("List workflow templates that can be installed"),
			mcp.WithString("search", mcp.Description("Filter by name, description or tag")),
			mcp.WithString("category", mcp.Description("Filter by category")),
		),
		s.handleListTemplates,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List the workflows installed for the current user"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_workflow",
			mcp.WithDescription("Run an installed workflow once"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow")),
			mcp.WithObject("input", mcp.Description("Input overriding the stored workflow input")),
		),
		s.handleRunWorkflow,
	)
}

func currentUser(ctx context.Context) (string, *mcp.CallToolResult) {
	id, ok := auth.UserID(ctx)
	if !ok {
		return "", mcp.NewToolResultError("Not authenticated")
	}
	return id, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *Server) handleListTemplates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, denied := currentUser(ctx)
	if denied != nil {
		return denied, nil
	}

	page, err := s.registry.Marketplace(ctx, catalog.Filters{
		UserID:   userID,
		Search:   request.GetString("search", ""),
		Category: request.GetString("category", ""),
	}, 1, catalog.MaxPageSize)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list templates: %v", err)), nil
	}
	return jsonResult(page.Items)
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, denied := currentUser(ctx)
	if denied != nil {
		return denied, nil
	}

	workflows, err := s.registry.List(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}
	return jsonResult(workflows)
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, denied := currentUser(ctx)
	if denied != nil {
		return denied, nil
	}

	id, err := request.RequireString("workflow_id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}
	var input map[string]any
	if raw, ok := request.GetArguments()["input"]; ok && raw != nil {
		input, ok = raw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError("Parameter input must be an object"), nil
		}
	}

	eventID, err := s.registry.RunOnce(ctx, userID, id, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run workflow: %v", err)), nil
	}
	return jsonResult(map[string]string{"workflow_id": id, "event_id": eventID})
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp. The request
// context, which carries the authenticated user, is handed to the tools.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := auth.UserID(r.Context()); ok {
				return auth.WithUserID(ctx, id)
			}
			return ctx
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
