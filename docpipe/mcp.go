package docpipe

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/textmill/kit"
)

// RegisterMCP adds docpipe_extract, docpipe_detect and docpipe_formats to srv.
func (p *Pipeline) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name: "docpipe_extract",
		Description: "Extract title, sections and plain text from a document. The name's extension selects the format. " +
			"Binary formats (pdf, epub) must be sent with encoding=base64.",
		InputSchema: kit.ObjectSchema(map[string][2]string{
			"name":     {"string", "File name, used for format detection"},
			"content":  {"string", "Document content"},
			"encoding": {"string", `"base64" when content is base64, empty for raw text`},
		}, "name", "content"),
	}, p.extractTool, kit.DecodeArgs[extractArgs])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "docpipe_detect",
		Description: "Detect the format of a document from its file name.",
		InputSchema: kit.ObjectSchema(map[string][2]string{
			"name": {"string", "File name to detect"},
		}, "name"),
	}, p.detectTool, kit.DecodeArgs[detectArgs])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "docpipe_formats",
		Description: "List the supported document formats.",
		InputSchema: kit.ObjectSchema(nil),
	}, func(context.Context, any) (any, error) {
		return map[string][]string{"formats": SupportedFormats()}, nil
	}, kit.NoArgs)
}

type extractArgs struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// Bytes returns the decoded content.
func (a *extractArgs) Bytes() ([]byte, error) {
	switch a.Encoding {
	case "":
		return []byte(a.Content), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, fmt.Errorf("decode base64 content: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", a.Encoding)
	}
}

func (p *Pipeline) extractTool(ctx context.Context, req any) (any, error) {
	args := req.(*extractArgs)
	data, err := args.Bytes()
	if err != nil {
		return nil, err
	}
	return p.Extract(ctx, args.Name, data)
}

type detectArgs struct {
	Name string `json:"name"`
}

func (p *Pipeline) detectTool(_ context.Context, req any) (any, error) {
	format, err := p.Detect(req.(*detectArgs).Name)
	if err != nil {
		return nil, err
	}
	return map[string]Format{"format": format}, nil
}
