// Package mcpguard adapts the security gate to mcp-go tool handlers: every
// wrapped tool call runs the full pipeline before the real handler executes,
// and denials surface as MCP error results instead of Go errors.
package mcpguard

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/mcp-toolgate/toolgate-go/internal/gate"
)

type contextKey struct{}

// WithExecutionContext attaches a gate execution context to the request
// context. Handlers wrapped by the guard pick it up; without one, calls run
// as an anonymous headless client.
func WithExecutionContext(ctx context.Context, execCtx *gate.ExecutionContext) context.Context {
	return context.WithValue(ctx, contextKey{}, execCtx)
}

func executionContextFrom(ctx context.Context) *gate.ExecutionContext {
	if execCtx, ok := ctx.Value(contextKey{}).(*gate.ExecutionContext); ok {
		return execCtx
	}
	return nil
}

// Guard wraps MCP tool handlers behind the gate. It doubles as the gate's
// tool executor: on Allow, the pipeline dispatches back into the registered
// handler with the sanitized arguments.
type Guard struct {
	executor *gate.SecureExecutor
	serverID string
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]mcpserver.ToolHandlerFunc
}

// NewGuard builds a guard for one upstream server identity. cfg.Executor is
// ignored; the guard installs itself as the executor.
func NewGuard(serverID string, cfg gate.Config) *Guard {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	g := &Guard{
		serverID: serverID,
		logger:   cfg.Logger,
		handlers: make(map[string]mcpserver.ToolHandlerFunc),
	}
	cfg.Executor = g
	g.executor = gate.NewSecureExecutor(cfg)
	return g
}

// Executor exposes the underlying gate for management surfaces.
func (g *Guard) Executor() *gate.SecureExecutor {
	return g.executor
}

// Execute implements gate.ToolExecutor by dispatching to the registered
// handler. Reached only after the pipeline allowed the call.
func (g *Guard) Execute(ctx context.Context, toolName string, params map[string]any, _ *gate.ExecutionContext) (any, error) {
	g.mu.RLock()
	handler, ok := g.handlers[toolName]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for tool %q", toolName)
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = params
	return handler(ctx, request)
}

// WrapHandler registers the handler and returns its guarded version.
func (g *Guard) WrapHandler(toolName string, next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	g.mu.Lock()
	g.handlers[toolName] = next
	g.mu.Unlock()

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// Work on a copy so the caller's context is never mutated.
		execCtx := &gate.ExecutionContext{}
		if fromCtx := executionContextFrom(ctx); fromCtx != nil {
			*execCtx = *fromCtx
		}
		if execCtx.ServerID == "" {
			execCtx.ServerID = g.serverID
		}

		res, err := g.executor.ExecuteHeadless(ctx, toolName, request.GetArguments(), execCtx)
		if err != nil {
			g.logger.Info("tool call denied",
				zap.String("tool", toolName),
				zap.String("server_id", execCtx.ServerID),
				zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}

		if out, ok := res.Output.(*mcp.CallToolResult); ok {
			return out, nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%v", res.Output)), nil
	}
}

// AddTool registers the tool on the MCP server with its handler guarded.
func (g *Guard) AddTool(srv *mcpserver.MCPServer, tool mcp.Tool, handler mcpserver.ToolHandlerFunc) {
	srv.AddTool(tool, g.WrapHandler(tool.Name, handler))
}
