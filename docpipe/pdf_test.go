package docpipe

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestExtractPDF_Text(t *testing.T) {
	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), "text.pdf", onePagePDF("Hello World from PDF extraction test"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.Format != FormatPDF {
		t.Fatalf("format = %q, want pdf", doc.Format)
	}
	if !strings.Contains(doc.RawText, "Hello World from PDF extraction test") {
		t.Fatalf("raw text = %q", doc.RawText)
	}
	if len(doc.Sections) != 1 || doc.Sections[0].Title != "page 1" || doc.Sections[0].Type != "page" {
		t.Fatalf("sections = %+v", doc.Sections)
	}
}

func TestExtractPDF_Garbage(t *testing.T) {
	pipe := New(Config{})
	if _, err := pipe.Extract(context.Background(), "broken.pdf", []byte("%PDF-1.4 not really")); err == nil {
		t.Fatal("expected error for malformed PDF")
	}
}

func TestPageText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain", `BT (plain) Tj ET`, "plain"},
		{"escaped parens", `BT (a\(b\)) Tj ET`, "a(b)"},
		{"balanced parens", `BT (f(x) = y) Tj ET`, "f(x) = y"},
		{"octal", `BT (\101BC) Tj ET`, "ABC"},
		{"backslash", `BT (back\\slash) Tj ET`, `back\slash`},
		{"hex", `BT <48656c6c6f> Tj ET`, "Hello"},
		{"hex two byte", `BT <00480069> Tj ET`, "Hi"},
		{"kerning", `BT [(Hel) 20 (lo) -300 (there)] TJ ET`, "Hello there"},
		{"lines", `BT (one) Tj 0 -14 Td (two) Tj T* (three) ' ET`, "one two three"},
		{"latin1", "BT (caf\\351) Tj ET", "café"},
		{"comments and dicts", "% note (skip)\n/Span << /MCID 0 >> BDC BT (kept) Tj ET EMC", "kept"},
		{"operands cleared", `BT (lost) 12 Tf (kept) Tj ET`, "kept"},
		{"inline image", "BI /W 1 /H 1 ID \x01(x)\x02 EI BT (after) Tj ET", "after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pageText([]byte(tt.content)); got != tt.want {
				t.Fatalf("pageText(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}

// onePagePDF builds a minimal single-page PDF with a correct xref table.
func onePagePDF(text string) []byte {
	text = strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(text)
	stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + text + ") Tj\nET"

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return []byte(b.String())
}
