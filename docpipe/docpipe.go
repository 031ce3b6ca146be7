// Package docpipe turns an uploaded file into plain text for analysis.
//
// Supported formats:
//   - .txt   plain UTF-8 text (kept verbatim, split into paragraphs)
//   - .md    Markdown (heading-aware sections, inline syntax stripped)
//   - .html  HTML (visible text only, hidden elements dropped)
//   - .pdf   PDF text operators via pdfcpu
//   - .epub  EPUB 2/3: spine chapters sanitised, converted to Markdown, then
//     split like .md
//   - .xlsx  Excel workbooks via excelize, one table section per sheet
//
// Usage:
//
//	pipe := docpipe.New(docpipe.Config{})
//	doc, err := pipe.Extract(ctx, "notes.txt", data)
//	fmt.Println(doc.Title, len(doc.Sections), "sections")
package docpipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/textmill/horosafe"
)

var (
	// ErrUnsupported is returned for file extensions with no extractor.
	ErrUnsupported = errors.New("docpipe: unsupported format")
	// ErrEncoding is returned when a text format is not valid UTF-8.
	ErrEncoding = errors.New("docpipe: content is not valid UTF-8")
	// ErrTooLarge is returned when an upload or archive member exceeds the
	// configured cap.
	ErrTooLarge = errors.New("docpipe: content too large")
)

// Pipeline is the extraction engine. It is safe for concurrent use.
type Pipeline struct {
	cfg       Config
	logger    *slog.Logger
	md        *converter.Converter
	sanitizer *bluemonday.Policy
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		sanitizer: bluemonday.UGCPolicy().SkipElementsContent("head"),
	}
}

// MaxFileSize is the largest upload Extract accepts.
func (p *Pipeline) MaxFileSize() int64 { return p.cfg.MaxFileSize }

// extensions maps lower-case file extensions to formats.
var extensions = map[string]Format{
	".txt":      FormatTXT,
	".text":     FormatTXT,
	".md":       FormatMD,
	".markdown": FormatMD,
	".html":     FormatHTML,
	".htm":      FormatHTML,
	".xhtml":    FormatHTML,
	".pdf":      FormatPDF,
	".epub":     FormatEPUB,
	".xlsx":     FormatXLSX,
}

// Detect returns the format for a file name based on its extension.
func (p *Pipeline) Detect(name string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if f, ok := extensions[ext]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, ext)
}

// ExtractReader reads at most MaxFileSize bytes from r and extracts them.
func (p *Pipeline) ExtractReader(ctx context.Context, name string, r io.Reader) (*Document, error) {
	data, err := horosafe.LimitedReadAll(r, p.cfg.MaxFileSize)
	if errors.Is(err, horosafe.ErrTooLarge) {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, name, p.cfg.MaxFileSize)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return p.Extract(ctx, name, data)
}

// Extract parses data according to the format implied by name.
func (p *Pipeline) Extract(ctx context.Context, name string, data []byte) (*Document, error) {
	if int64(len(data)) > p.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), p.cfg.MaxFileSize)
	}
	format, err := p.Detect(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.logger.Debug("extracting document", "name", name, "format", format, "bytes", len(data))

	var (
		title    string
		sections []Section
		raw      string
	)
	switch format {
	case FormatTXT:
		title, sections, raw, err = extractText(data)
	case FormatMD:
		title, sections, err = extractMarkdown(data)
	case FormatHTML:
		title, sections, err = p.extractHTML(data)
	case FormatPDF:
		title, sections, err = extractPDF(data)
	case FormatEPUB:
		title, sections, err = p.extractEPUB(ctx, data)
	case FormatXLSX:
		title, sections, err = p.extractXLSX(ctx, data)
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s (%s): %w", name, format, err)
	}

	if raw == "" {
		raw = joinSections(sections)
	}
	return &Document{
		Name:     name,
		Format:   format,
		Title:    title,
		Sections: sections,
		RawText:  raw,
	}, nil
}

// SupportedFormats returns all supported format names.
func SupportedFormats() []string {
	return []string{
		string(FormatTXT), string(FormatMD), string(FormatHTML),
		string(FormatPDF), string(FormatEPUB), string(FormatXLSX),
	}
}

func joinSections(sections []Section) string {
	var sb strings.Builder
	for i, s := range sections {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(s.Text)
	}
	return sb.String()
}

// decodeUTF8 strips a byte-order mark, normalises line endings and rejects
// invalid UTF-8.
func decodeUTF8(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", ErrEncoding
	}
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n"), nil
}
