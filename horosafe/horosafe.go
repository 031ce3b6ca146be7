// Package horosafe guards the upload path: it flattens client file names,
// keeps stored paths inside their directory and bounds how much of an
// upload is read into memory.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrPathTraversal reports a name that would resolve outside its base.
	ErrPathTraversal = errors.New("horosafe: path escapes its base directory")
	// ErrTooLarge reports input beyond the LimitedReadAll cap.
	ErrTooLarge = errors.New("horosafe: input too large")
)

// SafePath joins name onto base. Names containing ".." are refused outright,
// even where they would resolve inside base.
func SafePath(base, name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrPathTraversal
	}
	root := filepath.Clean(base)
	joined := filepath.Join(root, filepath.Clean(string(filepath.Separator)+name))
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// SecureFilename flattens a client file name to ASCII letters, digits and
// "._-". Directories are stripped (either slash style), accents are folded
// and spaces become underscores. Leading dots and underscores are trimmed;
// the result may be empty.
func SecureFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	out := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("._-", r)):
			return r
		}
		return -1
	}, norm.NFKD.String(name))
	return strings.TrimLeft(out, "._")
}

// LimitedReadAll reads r to the end, failing with ErrTooLarge as soon as it
// yields more than limit bytes.
func LimitedReadAll(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	switch {
	case err != nil:
		return nil, err
	case int64(len(data)) > limit:
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}
