package docpipe

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/text/encoding/charmap"
)

// extractPDF validates the file with pdfcpu and reads the text-showing
// operators of every page. Pages without text are skipped, so a scanned PDF
// yields no sections rather than an error.
func extractPDF(data []byte) (string, []Section, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return "", nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	var (
		title    string
		sections []Section
	)
	for page := 1; page <= ctx.PageCount; page++ {
		r, err := pdfcpu.ExtractPageContent(ctx, page)
		if err != nil || r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		text := pageText(content)
		if text == "" {
			continue
		}
		if title == "" {
			title = firstLine(text)
		}
		sections = append(sections, Section{Title: "page " + strconv.Itoa(page), Text: text, Type: "page"})
	}
	return title, sections, nil
}

// kerningGap is the TJ adjustment, in thousandths of an em, read as a space.
const kerningGap = -200

// contentScanner tokenises a page content stream and keeps the string
// operands of Tj, TJ, ' and ".
type contentScanner struct {
	src  []byte
	pos  int
	out  strings.Builder
	args []string
}

func pageText(content []byte) string {
	s := &contentScanner{src: content}
	s.run()
	return collapseSpace(s.out.String())
}

func (s *contentScanner) run() {
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case isPDFSpace(c):
			s.pos++
		case c == '%':
			for s.pos < len(s.src) && s.src[s.pos] != '\n' && s.src[s.pos] != '\r' {
				s.pos++
			}
		case c == '(':
			s.pos++
			s.args = append(s.args, s.literal())
		case c == '<' && s.peek(1) == '<':
			s.skipDict()
		case c == '<':
			s.pos++
			s.args = append(s.args, s.hexString())
		case c == '/':
			s.pos++
			s.word()
		case isPDFDelim(c):
			s.pos++
		default:
			s.token(s.word())
		}
	}
}

func (s *contentScanner) peek(off int) byte {
	if s.pos+off < len(s.src) {
		return s.src[s.pos+off]
	}
	return 0
}

func (s *contentScanner) word() string {
	start := s.pos
	for s.pos < len(s.src) && !isPDFSpace(s.src[s.pos]) && !isPDFDelim(s.src[s.pos]) {
		s.pos++
	}
	return string(s.src[start:s.pos])
}

func (s *contentScanner) token(tok string) {
	if tok == "" {
		s.pos++
		return
	}
	if n, err := strconv.ParseFloat(tok, 64); err == nil {
		if n <= kerningGap {
			s.args = append(s.args, " ")
		}
		return
	}
	switch tok {
	case "Tj", "TJ":
		s.emit()
	case "'", `"`:
		s.out.WriteByte('\n')
		s.emit()
	case "Td", "TD", "Tm", "T*", "ET":
		s.out.WriteByte('\n')
	case "BI":
		s.skipInlineImage()
	}
	s.args = s.args[:0]
}

func (s *contentScanner) emit() {
	for _, a := range s.args {
		s.out.WriteString(a)
	}
}

// literal reads a (string) body after its opening parenthesis. Balanced
// parentheses may appear unescaped.
func (s *contentScanner) literal() string {
	var b []byte
	depth := 0
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		s.pos++
		switch c {
		case '(':
			depth++
		case ')':
			if depth == 0 {
				return toUTF8(b)
			}
			depth--
		case '\\':
			b = s.escape(b)
			continue
		}
		b = append(b, c)
	}
	return toUTF8(b)
}

func (s *contentScanner) escape(b []byte) []byte {
	if s.pos >= len(s.src) {
		return b
	}
	c := s.src[s.pos]
	s.pos++
	switch c {
	case 'n':
		return append(b, '\n')
	case 'r':
		return append(b, '\r')
	case 't':
		return append(b, '\t')
	case 'b':
		return append(b, '\b')
	case 'f':
		return append(b, '\f')
	case '\r':
		if s.peek(0) == '\n' {
			s.pos++
		}
		return b
	case '\n':
		return b
	}
	if c < '0' || c > '7' {
		return append(b, c)
	}
	v := int(c - '0')
	for i := 0; i < 2 && s.pos < len(s.src) && s.src[s.pos] >= '0' && s.src[s.pos] <= '7'; i++ {
		v = v*8 + int(s.src[s.pos]-'0')
		s.pos++
	}
	return append(b, byte(v))
}

// hexString reads a <hex> body. Two-byte strings whose high bytes are all
// zero are narrowed to single bytes.
func (s *contentScanner) hexString() string {
	var digits []byte
	for s.pos < len(s.src) && s.src[s.pos] != '>' {
		if c := s.src[s.pos]; !isPDFSpace(c) {
			digits = append(digits, c)
		}
		s.pos++
	}
	s.pos++
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, len(digits)/2)
	if _, err := hex.Decode(raw, digits); err != nil {
		return ""
	}
	if len(raw) >= 2 && len(raw)%2 == 0 {
		narrow := make([]byte, 0, len(raw)/2)
		for i := 0; i < len(raw); i += 2 {
			if raw[i] != 0 {
				narrow = nil
				break
			}
			narrow = append(narrow, raw[i+1])
		}
		if narrow != nil {
			raw = narrow
		}
	}
	return toUTF8(raw)
}

func (s *contentScanner) skipDict() {
	depth := 0
	for s.pos+1 < len(s.src) {
		switch {
		case s.src[s.pos] == '<' && s.src[s.pos+1] == '<':
			depth++
			s.pos += 2
		case s.src[s.pos] == '>' && s.src[s.pos+1] == '>':
			depth--
			s.pos += 2
			if depth == 0 {
				return
			}
		default:
			s.pos++
		}
	}
	s.pos = len(s.src)
}

// skipInlineImage jumps past the EI that closes a BI ... ID ... EI block.
func (s *contentScanner) skipInlineImage() {
	for i := s.pos; i+1 < len(s.src); i++ {
		if s.src[i] == 'E' && s.src[i+1] == 'I' && i > 0 && isPDFSpace(s.src[i-1]) &&
			(i+2 == len(s.src) || isPDFSpace(s.src[i+2])) {
			s.pos = i + 2
			return
		}
	}
	s.pos = len(s.src)
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

// toUTF8 treats bytes that are not already UTF-8 as Windows-1252, the
// encoding of the standard Latin fonts.
func toUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}

// collapseSpace drops control characters and folds whitespace runs into one
// space.
func collapseSpace(text string) string {
	text = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsPrint(r) {
			return r
		}
		return -1
	}, text)
	return strings.Join(strings.Fields(text), " ")
}
