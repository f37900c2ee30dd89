package mcpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/sandbox"
)

// ToolExecuteSubmission is the name of the execution tool
const ToolExecuteSubmission = "execute_submission"

// MCPServer represents the MCP server
type MCPServer struct {
	config       *config.Config
	logger       *zap.Logger
	orchestrator sandbox.Orchestrator
	languages    []string
	mcpServer    *server.MCPServer
	httpServer   *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, orchestrator sandbox.Orchestrator) (*MCPServer, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("invalid languages: %w", err)
	}

	s := &MCPServer{
		config:       cfg,
		logger:       logger,
		orchestrator: orchestrator,
		languages:    catalog.Names(),
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.compile_timeout_sec", cfg.Sandbox.CompileTimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Int("sandbox.max_output_kb", cfg.Sandbox.MaxOutputKB),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Int("sandbox.infra_retries", cfg.Sandbox.InfraRetries),
		zap.Strings("languages", s.languages),
	)

	s.mcpServer = server.NewMCPServer("execbox", "Compile and run code in per-language sandbox containers")
	s.registerExecuteSubmissionTool()

	return s, nil
}

// registerExecuteSubmissionTool registers the execute_submission tool
func (s *MCPServer) registerExecuteSubmissionTool() {
	tool := mcp.Tool{
		Name: ToolExecuteSubmission,
		Description: "Compile and run a single source file in a fresh sandbox container. " +
			"Returns the execution result: status (ok, compile_error, runtime_error, " +
			"resource_limit_exceeded, infrastructure_error), compile diagnostics and run output.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code of the submission",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Language of the submission",
					"enum":        s.languages,
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Input fed to the program's standard input (optional)",
				},
				"args": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Command-line arguments for the program (optional)",
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteSubmission)
}

// handleExecuteSubmission handles the execute_submission tool
func (s *MCPServer) handleExecuteSubmission(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	sub := sandbox.Submission{
		Language: language,
		Source:   code,
		Stdin:    request.GetString("stdin", ""),
		Args:     request.GetStringSlice("args", nil),
	}

	s.logger.Info("executing submission",
		zap.String("language", language),
		zap.Int("code_len", len(code)),
		zap.Int("stdin_len", len(sub.Stdin)))

	result, err := s.orchestrator.Execute(ctx, sub)
	if err != nil {
		if errors.Is(err, sandbox.ErrInvalidSubmission) {
			return toolError(fmt.Sprintf("Invalid submission: %v", err)), nil
		}
		s.logger.Error("sandbox execution failed",
			zap.Error(err),
			zap.String("submission_id", result.SubmissionID),
			zap.String("language", language))
		if result.Status == "" {
			return toolError(fmt.Sprintf("Execution failed: %v", err)), nil
		}
	}

	s.logger.Info("submission completed",
		zap.String("submission_id", result.SubmissionID),
		zap.String("language", language),
		zap.String("status", string(result.Status)),
		zap.String("limit", string(result.Limit)))

	var buf bytes.Buffer
	if encErr := execution.Encode(&buf, result); encErr != nil {
		return toolError(fmt.Sprintf("Execution failed: %v", encErr)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: buf.String(),
			},
		},
		IsError: err != nil,
	}, nil
}

func toolError(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport if it was started
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
