package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/RALaBarge/beigebox/pkg/config"
	"github.com/RALaBarge/beigebox/pkg/jsonx"
)

// MCPSource connects to one MCP server and registers its tools into the
// flat namespace under "<server>_<tool>".
type MCPSource struct {
	name   string
	client *client.Client
}

// ConnectMCP dials, initializes, and lists an MCP server, registering
// every tool it exposes. A failing server is skipped by the caller.
func ConnectMCP(ctx context.Context, cfg config.MCPServerConfig, registry *Registry) (*MCPSource, error) {
	if cfg.Enabled != nil && !*cfg.Enabled {
		return nil, nil
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcp server %s: url is required", cfg.Name)
	}

	mcpClient, err := client.NewSSEMCPClient(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", cfg.Name, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client for %s: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "beigebox", Version: "1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP server %s: %w", cfg.Name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to list tools on %s: %w", cfg.Name, err)
	}

	src := &MCPSource{name: cfg.Name, client: mcpClient}
	for _, t := range listResp.Tools {
		registered := fmt.Sprintf("%s_%s", cfg.Name, t.Name)
		registry.RegisterAs(registered, &mcpTool{
			source:      src,
			name:        registered,
			remoteName:  t.Name,
			description: t.Description,
		})
		slog.Info("Registered MCP tool", "server", cfg.Name, "tool", registered)
	}
	return src, nil
}

// Close tears down the server connection.
func (s *MCPSource) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

type mcpTool struct {
	source      *MCPSource
	name        string
	remoteName  string
	description string
}

func (t *mcpTool) Name() string        { return t.name }
func (t *mcpTool) Description() string { return t.description }

// Run maps the string contract onto MCP arguments: a JSON object input
// passes through as-is, anything else becomes {"input": ...}.
func (t *mcpTool) Run(ctx context.Context, input string) (string, error) {
	args := map[string]any{"input": input}
	var parsed map[string]any
	if jsonx.Decode(input, &parsed) && len(parsed) > 0 {
		args = parsed
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.remoteName
	req.Params.Arguments = args

	resp, err := t.source.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	var parts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	out := strings.Join(parts, "\n")
	if resp.IsError {
		return "", fmt.Errorf("MCP tool error: %s", out)
	}
	return out, nil
}

var _ Tool = (*mcpTool)(nil)
