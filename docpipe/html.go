package docpipe

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// boilerplate elements never reach analysis.
var boilerplate = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
}

// extractHTML prunes boilerplate and hidden elements, then goes through the
// same sanitise and Markdown path as EPUB chapters. Documents that are not
// UTF-8 are decoded with the charset the HTML sniffing rules pick.
func (p *Pipeline) extractHTML(data []byte) (string, []Section, error) {
	if !utf8.Valid(data) {
		enc, name, _ := charset.DetermineEncoding(data, "text/html")
		decoded, err := enc.NewDecoder().Bytes(data)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s", ErrEncoding, name)
		}
		data = decoded
	}

	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", nil, err
	}
	title := htmlTitle(doc)
	prune(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", nil, err
	}
	md, err := p.md.ConvertString(p.sanitizer.Sanitize(buf.String()))
	if err != nil {
		return "", nil, fmt.Errorf("convert: %w", err)
	}
	mdTitle, sections := parseMarkdown(md)
	if title == "" {
		title = mdTitle
	}
	return title, sections, nil
}

func htmlTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				sb.WriteString(c.Data)
			}
		}
		return normalizeWhitespace(sb.String())
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := htmlTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// prune removes boilerplate, hidden and comment nodes below n.
func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode || (c.Type == html.ElementNode && (boilerplate[c.DataAtom] || hidden(c))) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

// hidden reports whether an element is invisible to a reader: the hidden
// attribute, aria-hidden, or an inline style that hides it.
func hidden(n *html.Node) bool {
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "hidden":
			return true
		case "aria-hidden":
			if strings.EqualFold(strings.TrimSpace(a.Val), "true") {
				return true
			}
		case "style":
			if hiddenStyle(a.Val) {
				return true
			}
		}
	}
	return false
}

func hiddenStyle(style string) bool {
	decl := make(map[string]string)
	for _, d := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(d, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important"))
		decl[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(v)
	}

	switch {
	case decl["display"] == "none":
		return true
	case decl["visibility"] == "hidden", decl["visibility"] == "collapse":
		return true
	}
	if v, ok := cssNumber(decl["font-size"]); ok && v == 0 {
		return true
	}
	if v, ok := cssNumber(decl["opacity"]); ok && v == 0 {
		return true
	}
	// Off-screen positioning.
	if decl["position"] == "absolute" || decl["position"] == "fixed" {
		for _, side := range []string{"left", "top", "text-indent"} {
			if v, ok := cssNumber(decl[side]); ok && v <= -1000 {
				return true
			}
		}
	}
	if v, ok := cssNumber(decl["text-indent"]); ok && v <= -1000 {
		return true
	}
	return false
}

// cssNumber parses the numeric part of a CSS length such as "0px" or "-9999em".
func cssNumber(v string) (float64, bool) {
	end := 0
	for end < len(v) && (v[end] == '-' || v[end] == '+' || v[end] == '.' || (v[end] >= '0' && v[end] <= '9')) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(v[:end], 64)
	return f, err == nil
}
