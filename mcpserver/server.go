package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/pipeline"
)

// ToolName is the name of the registered execution tool.
const ToolName = "run_code"

// Transports
const (
	TransportNone  = "none"
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Executor runs a single execution request.
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Config holds the MCP server settings.
type Config struct {
	Transport   string
	Port        int  // used by the http transport
	Development bool // expose infrastructure error details
	Version     string
}

// MCPServer represents the MCP server
type MCPServer struct {
	logger    *zap.Logger
	cfg       Config
	executor  Executor
	mcpServer *server.MCPServer

	stdin  io.Reader
	stdout io.Writer

	mu         sync.Mutex
	cancel     context.CancelFunc
	httpServer *server.StreamableHTTPServer
	done       chan struct{}
}

// New creates a new MCPServer offering the given languages.
func New(logger *zap.Logger, cfg Config, executor Executor, languages []string) *MCPServer {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &MCPServer{
		logger:   logger.Named("mcp"),
		cfg:      cfg,
		executor: executor,
		stdin:    os.Stdin,
		stdout:   os.Stdout,
	}

	s.mcpServer = server.NewMCPServer("coderun", cfg.Version, server.WithToolCapabilities(false))
	s.mcpServer.AddTool(runCodeTool(languages), s.handleRunCode)

	return s
}

func runCodeTool(languages []string) mcp.Tool {
	return mcp.Tool{
		Name:        ToolName,
		Description: "Compile and run a program in an isolated container and return its combined output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Program source code",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Language of the program",
					"enum":        languages,
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Input for the program",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Run step time limit in milliseconds",
				},
			},
			Required: []string{"code", "language"},
		},
	}
}

// handleRunCode handles the run_code tool. Execution failures are reported as
// tool errors of the form "<kind>: <message>", never as protocol errors.
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return toolError(pipeline.KindMalformedRequest, "code parameter is required"), nil
	}

	language, err := request.RequireString("language")
	if err != nil {
		return toolError(pipeline.KindMalformedRequest, "language parameter is required"), nil
	}

	timeoutMS := request.GetFloat("timeout_ms", 0)

	s.logger.Info("code execution requested",
		zap.String("language", language),
		zap.Float64("timeout_ms", timeoutMS))

	result, err := s.executor.Execute(ctx, pipeline.Request{
		Code:     code,
		Language: language,
		Stdin:    request.GetString("stdin", ""),
		Timeout:  time.Duration(timeoutMS * float64(time.Millisecond)),
	})
	if err != nil {
		var execErr *pipeline.ExecutionError
		if !errors.As(err, &execErr) {
			execErr = &pipeline.ExecutionError{Kind: pipeline.KindInfrastructure, Message: err.Error(), Err: err}
		}

		msg := execErr.Message
		if !execErr.Kind.ClientError() {
			s.logger.Error("execution failed", zap.Error(err))
			if !s.cfg.Development {
				msg = "Internal server error"
			}
		}
		return toolError(execErr.Kind, msg), nil
	}

	return mcp.NewToolResultText(result.Output), nil
}

func toolError(kind pipeline.Kind, msg string) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", kind, msg))
}

// Start serves the configured transport in the background. It is a no-op
// for TransportNone.
func (s *MCPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return nil
	}

	switch s.cfg.Transport {
	case "", TransportNone:
		return nil
	case TransportStdio:
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		s.logger.Info("starting MCP server on stdio")

		go func() {
			defer close(s.done)
			stdio := server.NewStdioServer(s.mcpServer)
			if err := stdio.Listen(ctx, s.stdin, s.stdout); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("MCP stdio server failed", zap.Error(err))
			}
		}()
	case TransportHTTP:
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
		s.done = make(chan struct{})
		s.logger.Info("starting MCP server on HTTP", zap.String("addr", addr))

		go func() {
			defer close(s.done)
			if err := s.httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("MCP HTTP server failed", zap.Error(err))
			}
		}()
	default:
		return fmt.Errorf("unsupported MCP transport: %s", s.cfg.Transport)
	}

	return nil
}

// Shutdown stops the transport started by Start.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("MCP HTTP server shutdown: %w", err)
		}
	}

	select {
	case <-s.done:
		s.logger.Debug("MCP server stopped", zap.String("transport", s.cfg.Transport))
		return nil
	case <-ctx.Done():
		if s.cfg.Transport == TransportStdio {
			// A read blocked on stdin only ends when the process exits.
			s.logger.Debug("abandoning MCP stdio listener blocked on input")
			return nil
		}
		return ctx.Err()
	}
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
