// Package mcp implements the Model Context Protocol server for Taiwa.
//
// The MCP server exposes a read-only view of the evaluation platform:
// the topic catalog as resources, and run inspection as tools. Writing
// turns stays on the HTTP API, where budgets and rate limits apply.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/taiwa-eval/taiwa/internal/catalog"
	"github.com/taiwa-eval/taiwa/internal/service/turns"
	"github.com/taiwa-eval/taiwa/internal/storage"
)

// Server wraps the MCP server with Taiwa's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	catalog   *catalog.Catalog
	runSvc    *turns.Service
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(cat *catalog.Catalog, runSvc *turns.Service, version string, logger *slog.Logger) *Server {
	s := &Server{
		catalog: cat,
		runSvc:  runSvc,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"taiwa",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// taiwa://topics — the full topic catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"taiwa://topics",
			"Topic Catalog",
			mcplib.WithResourceDescription("All conversation topics available in the current evaluation task"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTopics,
	)

	// taiwa://topic/{id} — one topic with its background statements.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"taiwa://topic/{id}",
			"Topic",
			mcplib.WithTemplateDescription("A single conversation topic, including its title and description"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTopic,
	)
}

func (s *Server) registerTools() {
	// taiwa_run_status — progress of a submission run.
	s.mcpServer.AddTool(
		mcplib.NewTool("taiwa_run_status",
			mcplib.WithDescription("Report the status of a run: whether it is active, and which topics are done or still open"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleRunStatus,
	)

	// taiwa_run_dump — export the logged turns of a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("taiwa_run_dump",
			mcplib.WithDescription("Export a run's logged turns grouped by topic, in submission format"),
			mcplib.WithString("team_id", mcplib.Description("Owning team identifier"), mcplib.Required()),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleRunDump,
	)
}

func (s *Server) handleTopics(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.catalog.Topics(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal topics: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "taiwa://topics",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleTopic(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	topicID := strings.TrimPrefix(uri, "taiwa://topic/")
	if topicID == "" || topicID == uri {
		return nil, fmt.Errorf("mcp: invalid topic URI: %s", uri)
	}

	topic, ok := s.catalog.Topic(topicID)
	if !ok {
		return nil, fmt.Errorf("mcp: unknown topic: %s", topicID)
	}

	data, err := json.MarshalIndent(topic, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal topic: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}

	status, err := s.runSvc.Status(ctx, runID)
	if err != nil {
		if errors.Is(err, turns.ErrRunNotFound) {
			return errorResult(fmt.Sprintf("run %s not found", runID)), nil
		}
		s.logger.Error("mcp: run status", "error", err, "run_id", runID)
		return errorResult("run status lookup failed"), nil
	}

	data, _ := json.MarshalIndent(status, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleRunDump(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	teamID := request.GetString("team_id", "")
	runID := request.GetString("run_id", "")
	if teamID == "" || runID == "" {
		return errorResult("team_id and run_id are required"), nil
	}

	records, err := s.runSvc.Dump(ctx, teamID, runID)
	if err != nil {
		if errors.Is(err, turns.ErrRunNotFound) || errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("run %s not found for team %s", runID, teamID)), nil
		}
		s.logger.Error("mcp: run dump", "error", err, "run_id", runID)
		return errorResult("run dump failed"), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"run_id":  runID,
		"records": records,
		"total":   len(records),
	}, "", "  ")
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
