// Package agentmcp adapts an MCP server exposing a "run" tool into the
// gateway's Agent port. The agent runtime is spawned over stdio or reached
// over streamable HTTP; each run opens a fresh session.
package agentmcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/clawdis/gateway/pkg/bus"
	"github.com/clawdis/gateway/pkg/ports"
	"github.com/clawdis/gateway/pkg/version"
)

// RunToolName is the tool the agent runtime must expose.
const RunToolName = "run"

const connectTimeout = 10 * time.Second

// Runner executes agent turns against an MCP server.
type Runner struct {
	newTransport func() mcpsdk.Transport
	logger       *slog.Logger
}

// NewCommandRunner spawns the agent runtime as a subprocess speaking MCP over
// stdio. The command is started fresh for every run.
func NewCommandRunner(command string, args ...string) *Runner {
	return &Runner{
		newTransport: func() mcpsdk.Transport {
			cmd := exec.Command(command, args...)
			cmd.Env = os.Environ()
			return &mcpsdk.CommandTransport{Command: cmd}
		},
		logger: slog.Default().With("component", "agent-mcp", "transport", "stdio"),
	}
}

// NewHTTPRunner reaches an already-running agent runtime over streamable HTTP.
func NewHTTPRunner(endpoint string) *Runner {
	return &Runner{
		newTransport: func() mcpsdk.Transport {
			return &mcpsdk.StreamableClientTransport{Endpoint: endpoint}
		},
		logger: slog.Default().With("component", "agent-mcp", "transport", "http"),
	}
}

// Run opens a session, invokes the run tool and returns its terminal outcome.
// Lifecycle markers are published through emit so connected clients can
// follow the run.
func (r *Runner) Run(ctx context.Context, req ports.AgentRequest, emit func(bus.AgentEvent)) (ports.AgentResult, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.App(),
	}, nil)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	session, err := client.Connect(connectCtx, r.newTransport(), nil)
	cancel()
	if err != nil {
		return ports.AgentResult{}, fmt.Errorf("failed to connect to agent runtime: %w", err)
	}
	defer session.Close()

	emit(bus.AgentEvent{
		RunID:  req.RunID,
		Stream: "lifecycle",
		Seq:    1,
		TS:     time.Now().UnixMilli(),
		Data:   map[string]string{"phase": "started"},
	})

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name: RunToolName,
		Arguments: map[string]any{
			"runId":     req.RunID,
			"message":   req.Message,
			"to":        req.To,
			"sessionId": req.SessionID,
			"thinking":  req.Thinking,
			"deliver":   req.Deliver,
		},
	})
	if err != nil {
		return ports.AgentResult{}, fmt.Errorf("agent run tool failed: %w", err)
	}

	summary := textContent(result)
	if result.IsError {
		return ports.AgentResult{}, fmt.Errorf("agent run failed: %s", summary)
	}

	emit(bus.AgentEvent{
		RunID:  req.RunID,
		Stream: "lifecycle",
		Seq:    2,
		TS:     time.Now().UnixMilli(),
		Data:   map[string]string{"phase": "finished"},
	})
	r.logger.Info("Agent run completed", "run_id", req.RunID)

	return ports.AgentResult{Status: "ok", Summary: summary}, nil
}

// textContent concatenates the text blocks of a tool result.
func textContent(result *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
