package docpipe

import (
	"regexp"
	"strings"
	"unicode"
)

// extractText keeps the decoded text verbatim as raw text and splits it into
// paragraph sections on blank lines.
func extractText(data []byte) (string, []Section, string, error) {
	text, err := decodeUTF8(data)
	if err != nil {
		return "", nil, "", err
	}

	var sections []Section
	for _, para := range strings.Split(text, "\n\n") {
		if p := normalizeWhitespace(para); p != "" {
			sections = append(sections, Section{Text: p, Type: "paragraph"})
		}
	}
	if len(sections) == 0 {
		return "", nil, text, nil
	}
	return firstLine(strings.TrimSpace(text)), sections, text, nil
}

func extractMarkdown(data []byte) (string, []Section, error) {
	text, err := decodeUTF8(data)
	if err != nil {
		return "", nil, err
	}
	title, sections := parseMarkdown(text)
	return title, sections, nil
}

// parseMarkdown splits Markdown into heading and paragraph sections with
// inline syntax removed. Fenced code blocks are dropped.
func parseMarkdown(text string) (string, []Section) {
	var sections []Section
	var title string
	var current strings.Builder
	inFence := false

	flush := func() {
		if t := strings.TrimSpace(current.String()); t != "" {
			sections = append(sections, Section{Text: t, Type: "paragraph"})
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			flush()
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		// ATX headings: # heading, ## heading, ...
		if strings.HasPrefix(trimmed, "#") {
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' {
				level++
			}
			if level <= 6 && (level == len(trimmed) || trimmed[level] == ' ') {
				flush()
				heading := stripInline(strings.TrimSpace(strings.Trim(trimmed, "#")))
				if heading != "" {
					if title == "" {
						title = heading
					}
					sections = append(sections, Section{Title: heading, Level: level, Text: heading, Type: "heading"})
				}
				continue
			}
		}

		if trimmed == "" || isRule(trimmed) || isTableDivider(trimmed) {
			flush()
			continue
		}

		line = stripBlockMarker(trimmed)
		if line == "" {
			continue
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(stripInline(line))
	}
	flush()

	if title == "" && len(sections) > 0 {
		title = firstLine(sections[0].Text)
	}
	return title, sections
}

var (
	listMarkerRe   = regexp.MustCompile(`^(?:[-*+]|\d{1,9}[.)])\s+`)
	imageRe        = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkRe         = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	emphasisRe     = regexp.MustCompile(`(\*{1,3}|_{1,3})([^*_]+)(\*{1,3}|_{1,3})`)
	codeSpanRe     = regexp.MustCompile("`+([^`]*)`+")
	tableDividerRe = regexp.MustCompile(`^\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?$`)
)

func stripBlockMarker(line string) string {
	for strings.HasPrefix(line, ">") {
		line = strings.TrimSpace(strings.TrimPrefix(line, ">"))
	}
	line = listMarkerRe.ReplaceAllString(line, "")
	if strings.HasPrefix(line, "|") {
		cells := strings.Split(strings.Trim(line, "|"), "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		line = strings.Join(cells, " ")
	}
	return strings.TrimSpace(line)
}

func stripInline(s string) string {
	s = imageRe.ReplaceAllString(s, "$1")
	s = linkRe.ReplaceAllString(s, "$1")
	s = codeSpanRe.ReplaceAllString(s, "$1")
	s = emphasisRe.ReplaceAllString(s, "$2")
	s = strings.ReplaceAll(s, `\`, "")
	return strings.TrimSpace(s)
}

func isRule(line string) bool {
	if len(line) < 3 {
		return false
	}
	c := line[0]
	if c != '-' && c != '*' && c != '_' {
		return false
	}
	for i := 0; i < len(line); i++ {
		if line[i] != c && line[i] != ' ' {
			return false
		}
	}
	return true
}

func isTableDivider(line string) bool {
	return strings.Contains(line, "-") && tableDividerRe.MatchString(line)
}

func normalizeWhitespace(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		} else {
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > 200 {
		text = string(r[:200])
	}
	return text
}
