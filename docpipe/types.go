package docpipe

// Format identifies a document type.
type Format string

const (
	FormatTXT  Format = "txt"
	FormatMD   Format = "md"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatEPUB Format = "epub"
	FormatXLSX Format = "xlsx"
)

// Section is a structural unit of a document.
type Section struct {
	Title string `json:"title,omitempty"`
	Level int    `json:"level"` // heading level 1-6, 0 for body
	Text  string `json:"text"`
	Type  string `json:"type"` // heading, paragraph, table, list, page
}

// Document is the result of extracting text from an upload.
type Document struct {
	Name     string    `json:"name"`
	Format   Format    `json:"format"`
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
	RawText  string    `json:"raw_text"`
}
