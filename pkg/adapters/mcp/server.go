package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Host is the process API exposed as MCP tools. *espalier.Host implements it.
type Host interface {
	Create(ctx context.Context, module, parameter string) (espalier.Result, error)
	Update(ctx context.Context, module, id, event string) (espalier.Result, error)
	Get(ctx context.Context, module, id string) (espalier.Result, error)
	Modules() []string
}

// CreateArgs are the arguments of create_process.
type CreateArgs struct {
	Wasm      string `json:"wasm"`
	Parameter string `json:"parameter"`
}

// UpdateArgs are the arguments of update_process.
type UpdateArgs struct {
	Wasm      string `json:"wasm"`
	ProcessID string `json:"process_id"`
	Event     string `json:"event"`
}

// GetArgs are the arguments of get_process.
type GetArgs struct {
	Wasm      string `json:"wasm"`
	ProcessID string `json:"process_id"`
}

// ModulesResponse lists the loaded modules.
type ModulesResponse struct {
	Modules []string `json:"modules" jsonschema_description:"Loaded module names"`
}

// Server exposes a Host as an MCP server.
type Server struct {
	host      Host
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(host Host, opts ...Option) *Server {
	s := &Server{
		host:      host,
		logger:    logging.NewNop(),
		mcpServer: server.NewMCPServer("espalier-mcp", strings.TrimSpace(espalier.Version)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the MCP SSE transport on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	baseURL := "http://" + addr
	if strings.HasPrefix(addr, ":") {
		baseURL = "http://localhost" + addr
	}
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())
	httpServer := &http.Server{Addr: addr, Handler: mux}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("mcp server listening (sse)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop mcp server gracefully: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("create_process",
		mcp.WithDescription("Create a process of a module from an initialization parameter."),
		mcp.WithString("wasm", mcp.Required(), mcp.Description("Module name, e.g. counter.wasm")),
		mcp.WithString("parameter", mcp.Required(), mcp.Description("JSON parameter passed to the machine entry")),
	), mcp.NewStructuredToolHandler(s.handleCreate))

	s.mcpServer.AddTool(mcp.NewTool("update_process",
		mcp.WithDescription("Apply an event to a stored process."),
		mcp.WithString("wasm", mcp.Required(), mcp.Description("Module name")),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("Process id returned by create_process")),
		mcp.WithString("event", mcp.Required(), mcp.Description("JSON event, e.g. {\"Add\":1}")),
	), mcp.NewStructuredToolHandler(s.handleUpdate))

	s.mcpServer.AddTool(mcp.NewTool("get_process",
		mcp.WithDescription("Read the stored state of a process."),
		mcp.WithString("wasm", mcp.Required(), mcp.Description("Module name")),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("Process id")),
	), mcp.NewStructuredToolHandler(s.handleGet))

	s.mcpServer.AddTool(mcp.NewTool("list_modules",
		mcp.WithDescription("List the loaded state machine modules."),
		mcp.WithOutputSchema[ModulesResponse](),
	), mcp.NewStructuredToolHandler(s.handleModules))
}

func (s *Server) handleCreate(ctx context.Context, _ mcp.CallToolRequest, args CreateArgs) (espalier.Result, error) {
	if args.Wasm == "" || args.Parameter == "" {
		return espalier.Result{}, errors.New("wasm and parameter are required")
	}
	result, err := s.host.Create(ctx, args.Wasm, args.Parameter)
	if err != nil {
		s.logger.Warn("mcp create failed", "module", args.Wasm, "error", err)
		return espalier.Result{}, fmt.Errorf("create failed: %w", err)
	}
	return result, nil
}

func (s *Server) handleUpdate(ctx context.Context, _ mcp.CallToolRequest, args UpdateArgs) (espalier.Result, error) {
	if args.Wasm == "" || args.ProcessID == "" || args.Event == "" {
		return espalier.Result{}, errors.New("wasm, process_id and event are required")
	}
	result, err := s.host.Update(ctx, args.Wasm, args.ProcessID, args.Event)
	if err != nil {
		s.logger.Warn("mcp update failed", "module", args.Wasm, "process_id", args.ProcessID, "error", err)
		return espalier.Result{}, fmt.Errorf("update failed: %w", err)
	}
	return result, nil
}

func (s *Server) handleGet(ctx context.Context, _ mcp.CallToolRequest, args GetArgs) (espalier.Result, error) {
	result, err := s.host.Get(ctx, args.Wasm, args.ProcessID)
	if err != nil {
		return espalier.Result{}, fmt.Errorf("get failed: %w", err)
	}
	return result, nil
}

func (s *Server) handleModules(context.Context, mcp.CallToolRequest, struct{}) (ModulesResponse, error) {
	modules := s.host.Modules()
	if modules == nil {
		modules = []string{}
	}
	return ModulesResponse{Modules: modules}, nil
}
