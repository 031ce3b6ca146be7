package docpipe

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDetect(t *testing.T) {
	pipe := New(Config{})

	tests := []struct {
		name   string
		format Format
	}{
		{"doc.pdf", FormatPDF},
		{"doc.md", FormatMD},
		{"doc.markdown", FormatMD},
		{"doc.txt", FormatTXT},
		{"DOC.TXT", FormatTXT},
		{"doc.html", FormatHTML},
		{"doc.htm", FormatHTML},
		{"book.epub", FormatEPUB},
		{"ledger.XLSX", FormatXLSX},
	}
	for _, tt := range tests {
		f, err := pipe.Detect(tt.name)
		if err != nil {
			t.Errorf("Detect(%q): %v", tt.name, err)
			continue
		}
		if f != tt.format {
			t.Errorf("Detect(%q) = %q, want %q", tt.name, f, tt.format)
		}
	}

	for _, name := range []string{"file.xyz", "report.docx", "noext"} {
		if _, err := pipe.Detect(name); !errors.Is(err, ErrUnsupported) {
			t.Errorf("Detect(%q) = %v, want ErrUnsupported", name, err)
		}
	}
}

func TestExtractText_Verbatim(t *testing.T) {
	pipe := New(Config{})
	content := "Hello  world.\n\n  Second   paragraph.  "
	doc, err := pipe.Extract(context.Background(), "test.txt", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Format != FormatTXT {
		t.Fatalf("format = %s, want txt", doc.Format)
	}
	if doc.RawText != content {
		t.Fatalf("raw text = %q, want verbatim %q", doc.RawText, content)
	}
	if len(doc.Sections) != 2 || doc.Sections[1].Text != "Second paragraph." {
		t.Fatalf("sections = %+v", doc.Sections)
	}
	if doc.Title != "Hello  world." {
		t.Fatalf("title = %q", doc.Title)
	}
}

func TestExtractText_BOMAndLineEndings(t *testing.T) {
	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), "win.txt", []byte("\xef\xbb\xbfone\r\ntwo\rthree"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.RawText != "one\ntwo\nthree" {
		t.Fatalf("raw text = %q", doc.RawText)
	}
}

func TestExtractText_InvalidUTF8(t *testing.T) {
	pipe := New(Config{})
	_, err := pipe.Extract(context.Background(), "latin1.txt", []byte("caf\xe9 au lait"))
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("err = %v, want ErrEncoding", err)
	}
}

func TestExtractText_Empty(t *testing.T) {
	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), "empty.txt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(doc.RawText) != "" || len(doc.Sections) != 0 {
		t.Fatalf("expected empty document, got %+v", doc)
	}
}

func TestExtractMarkdown(t *testing.T) {
	content := "# My Title\n\nThis is a **bold** [link](http://x).\n\n" +
		"## Section Two\n\n- item one\n- item two\n\n```go\ncode()\n```\n\n---\n"

	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), "test.md", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "My Title" {
		t.Fatalf("title = %q, want My Title", doc.Title)
	}

	var headings, paragraphs int
	for _, s := range doc.Sections {
		switch s.Type {
		case "heading":
			headings++
		case "paragraph":
			paragraphs++
		}
	}
	if headings != 2 || paragraphs != 2 {
		t.Fatalf("headings=%d paragraphs=%d, want 2/2: %+v", headings, paragraphs, doc.Sections)
	}
	if !strings.Contains(doc.RawText, "This is a bold link.") {
		t.Errorf("inline syntax not stripped: %q", doc.RawText)
	}
	if !strings.Contains(doc.RawText, "item one item two") {
		t.Errorf("list markers not stripped: %q", doc.RawText)
	}
	if strings.Contains(doc.RawText, "code()") {
		t.Errorf("fenced code kept: %q", doc.RawText)
	}
}

func TestExtractHTML(t *testing.T) {
	page := `<!DOCTYPE html>
<html><head><title>HTML Test</title><script>var x = 1;</script></head>
<body>
<nav>Home | About</nav>
<article>
<h1>Main Heading</h1>
<p>This is a substantial paragraph of text.</p>
</article>
</body></html>`

	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), "test.html", []byte(page))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "HTML Test" {
		t.Fatalf("title = %q, want HTML Test", doc.Title)
	}
	if !strings.Contains(doc.RawText, "substantial paragraph") {
		t.Fatalf("raw text = %q", doc.RawText)
	}
	for _, unwanted := range []string{"var x", "Home | About"} {
		if strings.Contains(doc.RawText, unwanted) {
			t.Errorf("boilerplate %q kept: %q", unwanted, doc.RawText)
		}
	}
}

func TestExtractHTML_DeclaredCharset(t *testing.T) {
	page := []byte("<html><head><meta charset=\"iso-8859-1\"><title>Caf\xe9</title></head><body><p>Un caf\xe9 cr\xe8me.</p></body></html>")
	doc, err := New(Config{}).Extract(context.Background(), "menu.html", page)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Café" || !strings.Contains(doc.RawText, "Un café crème.") {
		t.Fatalf("title = %q, raw = %q", doc.Title, doc.RawText)
	}
}

func TestExtractHTML_HiddenText(t *testing.T) {
	tests := []struct {
		name   string
		hidden string
	}{
		{"display none", `<div style="display:none">hidden payload</div>`},
		{"visibility hidden", `<span style="visibility:hidden">hidden payload</span>`},
		{"font size zero", `<span style="font-size:0px">hidden payload</span>`},
		{"opacity zero", `<span style="opacity:0">hidden payload</span>`},
		{"font size zero no unit", `<span style="color:blue; font-size: 0">hidden payload</span>`},
		{"off screen", `<div style="position:absolute;left:-9999px">hidden payload</div>`},
		{"hidden attribute", `<div hidden>hidden payload</div>`},
		{"aria hidden", `<div aria-hidden="true">hidden payload</div>`},
	}
	pipe := New(Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := "<html><body><p>Visible text here</p>" + tt.hidden +
				`<p style="color:red">Styled but visible</p></body></html>`
			doc, err := pipe.Extract(context.Background(), "page.html", []byte(page))
			if err != nil {
				t.Fatal(err)
			}
			if strings.Contains(doc.RawText, "hidden payload") {
				t.Errorf("hidden text kept: %q", doc.RawText)
			}
			if !strings.Contains(doc.RawText, "Visible text here") || !strings.Contains(doc.RawText, "Styled but visible") {
				t.Errorf("visible text dropped: %q", doc.RawText)
			}
		})
	}
}

func TestExtractEPUB(t *testing.T) {
	data := buildEPUB(t, map[string]string{
		"OEBPS/ch1.xhtml": `<html><head><title>Chapter file</title></head><body>
<h1>Chapter One</h1><p>It was a <b>bright</b> cold day.</p><script>alert(1)</script></body></html>`,
		"OEBPS/ch%202.xhtml": `<html><body><h2>Chapter Two</h2><p>The clocks were striking thirteen.</p></body></html>`,
	}, []string{"ch1.xhtml", "ch%202.xhtml"})

	pipe := New(Config{})
	doc, err := pipe.Extract(context.Background(), "book.epub", data)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Test Book" {
		t.Errorf("title = %q, want Test Book", doc.Title)
	}
	first := strings.Index(doc.RawText, "bright cold day")
	second := strings.Index(doc.RawText, "striking thirteen")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("chapters missing or out of spine order: %q", doc.RawText)
	}
	for _, unwanted := range []string{"alert", "Chapter file", "<p>"} {
		if strings.Contains(doc.RawText, unwanted) {
			t.Errorf("raw text contains %q: %q", unwanted, doc.RawText)
		}
	}
}

func TestExtractEPUB_EntryTooLarge(t *testing.T) {
	big := "<html><body><p>" + strings.Repeat("a", 2048) + "</p></body></html>"
	data := buildEPUB(t, map[string]string{"OEBPS/ch1.xhtml": big}, []string{"ch1.xhtml"})

	pipe := New(Config{MaxEntrySize: 1024})
	if _, err := pipe.Extract(context.Background(), "big.epub", data); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestExtractEPUB_NotAZip(t *testing.T) {
	pipe := New(Config{})
	if _, err := pipe.Extract(context.Background(), "fake.epub", []byte("plain text")); err == nil {
		t.Fatal("expected error for non-zip epub")
	}
}

func TestExtractReader_TooLarge(t *testing.T) {
	pipe := New(Config{MaxFileSize: 10})
	_, err := pipe.ExtractReader(context.Background(), "big.txt", strings.NewReader("more than ten bytes"))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestExtract_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(Config{}).Extract(ctx, "a.txt", []byte("text")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSupportedFormats(t *testing.T) {
	if formats := SupportedFormats(); len(formats) != 6 {
		t.Fatalf("expected 6 formats, got %d: %v", len(formats), formats)
	}
}

// buildEPUB writes a minimal EPUB with the given chapter files; spine lists
// their hrefs relative to OEBPS/ in reading order.
func buildEPUB(t *testing.T, files map[string]string, spine []string) []byte {
	t.Helper()
	var manifest, refs strings.Builder
	for i, href := range spine {
		id := "c" + string(rune('0'+i))
		manifest.WriteString(`<item id="` + id + `" href="` + href + `" media-type="application/xhtml+xml"/>`)
		refs.WriteString(`<itemref idref="` + id + `"/>`)
	}
	opf := `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
<metadata xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:title>Test Book</dc:title></metadata>
<manifest>` + manifest.String() + `<item id="css" href="style.css" media-type="text/css"/></manifest>
<spine>` + refs.String() + `</spine>
</package>`
	container := `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
<rootfiles><rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	write := func(name, body string) {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	write("mimetype", "application/epub+zip")
	write("META-INF/container.xml", container)
	write("OEBPS/content.opf", opf)
	for name, body := range files {
		name = strings.ReplaceAll(name, "%20", " ")
		write(name, body)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
