package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RegisterMCPTool exposes an Endpoint as an MCP tool. Arguments are checked
// against tool.InputSchema, then decode turns them into the endpoint's
// request type. Endpoint errors are reported as tool errors, never as
// protocol errors, and the response is returned as JSON text content.
//
// It panics if the input schema does not compile.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode func(*mcp.CallToolRequest) (any, error)) {
	schema, err := CompileSchema(tool.InputSchema)
	if err != nil {
		panic(fmt.Sprintf("kit: tool %s: %v", tool.Name, err))
	}
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = WithTransport(ctx, "mcp")

		if err := ValidateArgs(schema, req.Params.Arguments); err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		request, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		resp, err := endpoint(ctx, request)
		if err != nil {
			return toolError(errors.New(err.Error())), nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}

// DecodeArgs unmarshals tool arguments into a fresh T. Empty arguments
// decode to the zero value.
func DecodeArgs[T any](req *mcp.CallToolRequest) (any, error) {
	var v T
	if !noArgs(req.Params.Arguments) {
		if err := json.Unmarshal(req.Params.Arguments, &v); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

// NoArgs decodes tools that take no arguments.
func NoArgs(*mcp.CallToolRequest) (any, error) {
	return nil, nil
}

// ObjectSchema builds a JSON Schema object for tool input. Each property is
// given as a type and description pair.
func ObjectSchema(props map[string][2]string, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, p := range props {
		properties[name] = map[string]any{"type": p[0], "description": p[1]}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// CompileSchema compiles a JSON Schema given as any JSON-marshalable value.
func CompileSchema(v any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return c.Compile("input.json")
}

// ValidateArgs checks raw tool arguments against schema. Missing or null
// arguments validate as an empty object.
func ValidateArgs(schema *jsonschema.Schema, raw json.RawMessage) error {
	var v any = map[string]any{}
	if !noArgs(raw) {
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
	}
	return schema.Validate(v)
}

// noArgs reports whether a client sent no arguments: an empty payload or a
// JSON null.
func noArgs(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
