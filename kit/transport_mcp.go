// CLAUDE:SUMMARY Adapts kit Endpoints to MCP tools: typed argument decoding, per-call request ids, text results.
package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chatbridge/idgen"
)

var mcpRequestID = idgen.Prefixed("mcp_", idgen.Hex(8))

// Validator is implemented by tool arguments that check themselves after
// decoding.
type Validator interface {
	Validate() error
}

// DecodeArgs unmarshals the tool arguments into a new T. Missing arguments
// decode to the zero value.
func DecodeArgs[T any](req *mcp.CallToolRequest) (*T, error) {
	var v T
	if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &v); err != nil {
			return nil, err
		}
	}
	if val, ok := any(&v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

// RegisterMCPTool serves endpoint as an MCP tool. Arguments are decoded into
// a fresh T; endpoint errors become tool errors rather than protocol errors.
// A string response is returned as-is, anything else as JSON text.
func RegisterMCPTool[T any](srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := DecodeArgs[T](req)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		ctx = WithTransport(ctx, "mcp")
		ctx = WithRequestID(ctx, mcpRequestID())

		resp, err := endpoint(ctx, args)
		if err != nil {
			return toolError(err), nil
		}
		text, ok := resp.(string)
		if !ok {
			data, err := json.Marshal(resp)
			if err != nil {
				return toolError(fmt.Errorf("marshal: %w", err)), nil
			}
			text = string(data)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
