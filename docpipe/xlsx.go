package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// extractXLSX emits one table section per non-empty sheet. Cells are joined
// by tabs and rows by newlines; empty rows are skipped. The title is the
// first non-empty cell of the workbook.
func (p *Pipeline) extractXLSX(ctx context.Context, data []byte) (string, []Section, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data), excelize.Options{
		UnzipSizeLimit:    p.cfg.MaxEntrySize,
		UnzipXMLSizeLimit: p.cfg.MaxEntrySize,
	})
	if err != nil {
		return "", nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	var (
		title    string
		sections []Section
	)
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", nil, fmt.Errorf("sheet %s: %w", sheet, err)
		}
		var sb strings.Builder
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(trimCells(row), "\t"), "\t")
			if line == "" {
				continue
			}
			if title == "" {
				title = firstCell(row)
			}
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(line)
		}
		if sb.Len() == 0 {
			continue
		}
		sections = append(sections, Section{Title: sheet, Type: "table", Text: sb.String()})
	}
	return title, sections, nil
}

func trimCells(row []string) []string {
	out := make([]string, len(row))
	for i, c := range row {
		out[i] = collapseSpace(c)
	}
	return out
}

func firstCell(row []string) string {
	for _, c := range row {
		if c = collapseSpace(c); c != "" {
			return c
		}
	}
	return ""
}
