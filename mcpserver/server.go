package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/playground/encoder"
	"github.com/isdmx/playground/sandbox"
	"github.com/isdmx/playground/scheduler"
)

const (
	serverName    = "playground-executor"
	serverVersion = "1.0.0"
	toolName      = "run_code"
)

// Scheduler admits execution requests
type Scheduler interface {
	Submit(ctx context.Context, req sandbox.ExecutionRequest) (*scheduler.Handle, error)
}

// MCPServer exposes the execution service as an MCP tool
type MCPServer struct {
	logger    *zap.Logger
	scheduler Scheduler
	encoder   *encoder.Encoder
	languages []string
	mcpServer *server.MCPServer
}

// New creates a new MCPServer. languages lists the values the tool accepts.
func New(logger *zap.Logger, sched Scheduler, enc *encoder.Encoder, languages []string) *MCPServer {
	s := &MCPServer{
		logger:    logger,
		scheduler: sched,
		encoder:   enc,
		languages: languages,
		mcpServer: server.NewMCPServer(serverName, serverVersion),
	}

	s.registerRunCodeTool()

	return s
}

func (s *MCPServer) registerRunCodeTool() {
	s.mcpServer.AddTool(s.runCodeTool(), s.handleRunCode)
}

func (s *MCPServer) runCodeTool() mcp.Tool {
	language := map[string]any{
		"type":        "string",
		"description": "Runtime language, defaults to python",
	}
	if len(s.languages) > 0 {
		language["enum"] = s.languages
	}

	return mcp.Tool{
		Name:        toolName,
		Description: "Run a program in the playground sandbox and return its output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to run",
				},
				"language": language,
			},
			Required: []string{"code"},
		},
	}
}

func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	language := request.GetString("language", "")

	h, err := s.scheduler.Submit(ctx, sandbox.ExecutionRequest{
		Language:   language,
		SourceCode: code,
	})
	if err != nil {
		return errorResult(s.submitErrorMessage(language, err)), nil
	}

	res, err := h.Wait(ctx)
	if err != nil {
		return errorResult(s.submitErrorMessage(language, err)), nil
	}

	if res.Status == sandbox.StatusInternalError {
		s.logger.Error("execution failed",
			zap.String("request_id", h.ID()),
			zap.Error(res.Cause))
		return errorResult(encoder.InternalErrorMessage), nil
	}

	data, err := json.Marshal(s.encoder.Encode(res))
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

func (s *MCPServer) submitErrorMessage(language string, err error) string {
	switch {
	case errors.Is(err, sandbox.ErrEmptySource):
		return "Code is required"
	case errors.Is(err, sandbox.ErrSourceTooLarge):
		return "Code exceeds the size limit"
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return "Unsupported language: " + language
	case errors.Is(err, scheduler.ErrOverloaded):
		return "Server is busy, try again later"
	case errors.Is(err, scheduler.ErrClosed):
		return "Server is shutting down"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Execution cancelled"
	default:
		s.logger.Error("submitting execution", zap.Error(err))
		return encoder.InternalErrorMessage
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}

// ServeStdio serves MCP on stdin/stdout until the input is closed
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// HTTPHandler returns the streamable HTTP transport, for mounting on /mcp
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}
