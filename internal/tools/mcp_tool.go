package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPCaller is the part of an MCP client needed to invoke tools.
type MCPCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPClient can both list and call tools.
type MCPClient interface {
	MCPCaller
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
}

// MCPTool exposes one tool of a remote MCP server.
type MCPTool struct {
	name       string
	remoteName string
	caller     MCPCaller
}

// NewMCPTool registers remoteName of caller under name.
func NewMCPTool(name, remoteName string, caller MCPCaller) *MCPTool {
	return &MCPTool{name: name, remoteName: remoteName, caller: caller}
}

// Name returns the local tool name.
func (t *MCPTool) Name() string { return t.name }

// Invoke calls the remote tool. Text content that parses as JSON is
// returned decoded; other text is returned as a string.
func (t *MCPTool) Invoke(ctx context.Context, params map[string]any) Result {
	request := mcp.CallToolRequest{}
	request.Params.Name = t.remoteName
	request.Params.Arguments = params

	result, err := t.caller.CallTool(ctx, request)
	if err != nil {
		return Failed("mcp call %s failed: %v", t.remoteName, err)
	}

	data := decodeContent(result.Content)
	if result.IsError {
		msg := contentText(result.Content)
		if msg == "" {
			msg = fmt.Sprintf("%s reported an error", t.remoteName)
		}
		return Result{Success: false, Data: data, Error: msg}
	}
	return Succeeded(data)
}

// DiscoverMCPTools lists the tools of c and wraps each one. Local names are
// prefix + remote name.
func DiscoverMCPTools(ctx context.Context, prefix string, c MCPClient) ([]Tool, error) {
	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp tools: %w", err)
	}
	out := make([]Tool, 0, len(listed.Tools))
	for _, remote := range listed.Tools {
		out = append(out, NewMCPTool(prefix+remote.Name, remote.Name, c))
	}
	return out, nil
}

// ConnectMCP opens an SSE session with the MCP server at url and performs
// the initialize handshake.
func ConnectMCP(ctx context.Context, url string) (*client.Client, error) {
	c, err := client.NewSSEMCPClient(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start mcp client: %w", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "voice-orchestrator",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initRequest); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize mcp session: %w", err)
	}
	return c, nil
}

func decodeContent(content []mcp.Content) any {
	text := contentText(content)
	if text == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded
	}
	return text
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
