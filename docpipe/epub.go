package docpipe

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Title    []string `xml:"metadata>title"`
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef  string `xml:"idref,attr"`
		Linear string `xml:"linear,attr"`
	} `xml:"spine>itemref"`
}

// extractEPUB walks the spine in reading order. Each XHTML chapter is
// sanitised, converted to Markdown and split into sections.
func (p *Pipeline) extractEPUB(ctx context.Context, data []byte) (string, []Section, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, fmt.Errorf("open epub: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	var container epubContainer
	if err := p.readXML(files, "META-INF/container.xml", &container); err != nil {
		return "", nil, err
	}
	if len(container.Rootfiles) == 0 || container.Rootfiles[0].FullPath == "" {
		return "", nil, fmt.Errorf("container.xml has no rootfile")
	}
	opfPath := container.Rootfiles[0].FullPath

	var pkg epubPackage
	if err := p.readXML(files, opfPath, &pkg); err != nil {
		return "", nil, err
	}

	hrefs := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		if item.MediaType == "application/xhtml+xml" || item.MediaType == "text/html" {
			hrefs[item.ID] = item.Href
		}
	}

	var title string
	if len(pkg.Title) > 0 {
		title = strings.TrimSpace(pkg.Title[0])
	}

	var sections []Section
	base := path.Dir(opfPath)
	for _, ref := range pkg.Spine {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		href, ok := hrefs[ref.IDRef]
		if !ok || ref.Linear == "no" {
			continue
		}
		name, err := url.PathUnescape(href)
		if err != nil {
			name = href
		}
		chapter, err := p.readEntry(files, path.Join(base, name))
		if err != nil {
			return "", nil, err
		}
		md, err := p.md.ConvertString(p.sanitizer.Sanitize(string(chapter)))
		if err != nil {
			return "", nil, fmt.Errorf("convert %s: %w", href, err)
		}
		_, chapterSections := parseMarkdown(md)
		sections = append(sections, chapterSections...)
	}

	if title == "" && len(sections) > 0 {
		title = firstLine(sections[0].Text)
	}
	return title, sections, nil
}

func (p *Pipeline) readXML(files map[string]*zip.File, name string, v any) error {
	data, err := p.readEntry(files, name)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// readEntry reads one archive member, refusing members whose declared or
// actual decompressed size exceeds MaxEntrySize.
func (p *Pipeline) readEntry(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("%s not found in archive", name)
	}
	limit := p.cfg.MaxEntrySize
	if f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("%w: %s declares %d bytes", ErrTooLarge, name, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, name, limit)
	}
	return data, nil
}
