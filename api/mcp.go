package api

import (
	"context"
	"errors"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/textmill/kit"
	"github.com/hazyhaar/textmill/pipeline"
)

// RegisterMCP exposes the service as MCP tools.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSubmitTool(srv)
	s.registerStatusTool(srv)
	s.registerAnalyzeTool(srv)
	s.registerStageSetsTool(srv)
}

func (s *Service) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Logging(s.logger, name)(ep)
}

// --- submit ---

type submitReq struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	StageSet string `json:"stage_set"`
}

func (s *Service) registerSubmitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "textmill_submit",
		Description: "Queue inline text content for analysis. Returns the job id to poll with textmill_job_status.",
		InputSchema: kit.ObjectSchema(map[string][2]string{
			"filename":  {"string", "File name; its extension selects the format"},
			"content":   {"string", "Document content"},
			"stage_set": {"string", "Stage set key, e.g. full@v1. Empty for the default"},
		}, "filename", "content"),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		r := req.(*submitReq)
		if int64(len(r.Content)) > s.maxUpload {
			return nil, ErrTooLarge
		}
		return s.Submit(ctx, Upload{
			Filename: r.Filename,
			StageSet: r.StageSet,
			Body:     strings.NewReader(r.Content),
		})
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint("submit", ep), kit.DecodeArgs[submitReq])
}

// --- status ---

type statusReq struct {
	ID string `json:"id"`
}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "textmill_job_status",
		Description: "Return the status (PENDING, COMPLETED or FAILED) and result of an analysis job.",
		InputSchema: kit.ObjectSchema(map[string][2]string{
			"id": {"string", "Job id returned on submission"},
		}, "id"),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		return s.Status(ctx, req.(*statusReq).ID)
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint("job_status", ep), kit.DecodeArgs[statusReq])
}

// --- analyze ---

type analyzeReq struct {
	Text     string `json:"text"`
	StageSet string `json:"stage_set"`
}

var errEmptyText = errors.New("text is empty")

func (s *Service) registerAnalyzeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "textmill_analyze_text",
		Description: "Run a stage set over text synchronously and return the result without creating a job.",
		InputSchema: kit.ObjectSchema(map[string][2]string{
			"text":      {"string", "Text to analyse"},
			"stage_set": {"string", "Stage set key. Empty for the default"},
		}, "text"),
	}
	ep := func(ctx context.Context, req any) (any, error) {
		r := req.(*analyzeReq)
		if strings.TrimSpace(r.Text) == "" {
			return nil, errEmptyText
		}
		set, err := s.sets.Resolve(r.StageSet)
		if err != nil {
			return nil, ErrUnknownSet
		}
		return s.exec.Analyze(ctx, set, r.Text)
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint("analyze_text", ep), kit.DecodeArgs[analyzeReq])
}

// --- stage sets ---

type stageSetsResp struct {
	Default string              `json:"default"`
	Sets    []pipeline.StageSet `json:"sets"`
}

func (s *Service) registerStageSetsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "textmill_stage_sets",
		Description: "List the stage sets jobs can be submitted with.",
		InputSchema: kit.ObjectSchema(nil),
	}
	ep := func(context.Context, any) (any, error) {
		return stageSetsResp{Default: s.sets.Default(), Sets: s.sets.List()}, nil
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint("stage_sets", ep), kit.NoArgs)
}
