package docpipe

import "log/slog"

// Config configures the extraction pipeline.
type Config struct {
	// MaxFileSize caps the bytes read from one upload (default: 32 MB).
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// MaxEntrySize caps the decompressed size of a single EPUB archive
	// member, and of a whole XLSX workbook (default: 16 MB).
	MaxEntrySize int64 `json:"max_entry_size" yaml:"max_entry_size"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 32 << 20
	}
	if c.MaxEntrySize <= 0 {
		c.MaxEntrySize = 16 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
