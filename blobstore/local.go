package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/textmill/horosafe"
)

// Local stores blobs as files under one directory.
type Local struct {
	dir string
}

// NewLocal creates dir if needed and returns a Local store rooted at its
// absolute path.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("blobstore: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir %s: %w", abs, err)
	}
	return &Local{dir: abs}, nil
}

// Dir returns the root directory.
func (l *Local) Dir() string { return l.dir }

// Put writes to a temp file and hard-links it into place, so a reader never
// sees a partial file and an existing name is never replaced.
func (l *Local) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	dst, err := horosafe.SafePath(l.dir, name)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, ctxReader{ctx, r}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("blobstore: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("blobstore: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("blobstore: close %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return "", fmt.Errorf("blobstore: chmod %s: %w", name, err)
	}

	if err := os.Link(tmp.Name(), dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, name)
		}
		return "", fmt.Errorf("blobstore: link %s: %w", name, err)
	}
	return dst, nil
}

// Open opens a blob by the path Put returned.
func (l *Local) Open(_ context.Context, path string) (io.ReadCloser, error) {
	if err := l.owns(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", path, err)
	}
	return f, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (l *Local) Delete(_ context.Context, path string) error {
	if err := l.owns(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore: delete %s: %w", path, err)
	}
	return nil
}

func (l *Local) owns(path string) error {
	rel, err := filepath.Rel(l.dir, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("%w: %s is outside %s", horosafe.ErrPathTraversal, path, l.dir)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
