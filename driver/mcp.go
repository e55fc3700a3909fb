// CLAUDE:SUMMARY Registers the driver's MCP tools: chat_send, chat_new, chat_health.
package driver

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chatbridge/kit"
)

// RegisterMCP registers driver tools on an MCP server.
func (d *Driver) RegisterMCP(srv *mcp.Server) {
	d.registerSendTool(srv)
	d.registerNewChatTool(srv)
	d.registerHealthTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

type noArgs struct{}

// --- chat_send ---

type sendRequest struct {
	Message string `json:"message"`
}

func (r *sendRequest) Validate() error {
	if r.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

func (d *Driver) registerSendTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chat_send",
		Description: "Send one message to the chat web app and return its reply as markdown text.",
		InputSchema: inputSchema(map[string]any{
			"message": map[string]any{"type": "string", "description": "Message text"},
		}, []string{"message"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*sendRequest)
		reply, err := d.Send(ctx, r.Message)
		if err != nil {
			return nil, errors.New(MessageOf(err))
		}
		return reply.Text, nil
	}

	kit.RegisterMCPTool[sendRequest](srv, tool, kit.Chain(kit.Logging(d.cfg.Logger, "chat_send"))(endpoint))
}

// --- chat_new ---

func (d *Driver) registerNewChatTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chat_new",
		Description: "Open a fresh conversation in the chat web app.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		if err := d.NewChat(ctx); err != nil {
			return nil, errors.New(MessageOf(err))
		}
		return "new conversation opened", nil
	}

	kit.RegisterMCPTool[noArgs](srv, tool, kit.Chain(kit.Logging(d.cfg.Logger, "chat_new"))(endpoint))
}

// --- chat_health ---

func (d *Driver) registerHealthTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "chat_health",
		Description: "Report the browser session state, exchange count and worker status.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return d.Health(), nil
	}

	kit.RegisterMCPTool[noArgs](srv, tool, endpoint)
}
