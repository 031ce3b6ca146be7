package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

const gcsScheme = "gs://"

// GCS stores blobs as objects in a Cloud Storage bucket. Objects are written
// with a DoesNotExist precondition so an existing object is never replaced.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS wraps an existing client. prefix is prepended to every object name.
func NewGCS(client *storage.Client, bucket, prefix string) *GCS {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads r as a new object and returns its gs:// path.
func (g *GCS) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	object := g.prefix + name
	w := g.client.Bucket(g.bucket).Object(object).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", g.writeErr(object, err)
	}
	if err := w.Close(); err != nil {
		return "", g.writeErr(object, err)
	}
	return gcsScheme + g.bucket + "/" + object, nil
}

// Open streams the object behind a gs:// path.
func (g *GCS) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, object, err := ParseGCSPath(path)
	if err != nil {
		return nil, err
	}
	rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs read %s: %w", path, err)
	}
	return rc, nil
}

// Delete removes the object behind a gs:// path.
func (g *GCS) Delete(ctx context.Context, path string) error {
	bucket, object, err := ParseGCSPath(path)
	if err != nil {
		return err
	}
	err = g.client.Bucket(bucket).Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blobstore: gcs delete %s: %w", path, err)
	}
	return nil
}

func (g *GCS) writeErr(object string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("%w: gs://%s/%s", ErrExists, g.bucket, object)
	}
	return fmt.Errorf("blobstore: gcs write gs://%s/%s: %w", g.bucket, object, err)
}

// ParseGCSPath splits "gs://bucket/object" into its parts.
func ParseGCSPath(path string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(path, gcsScheme)
	if !ok {
		return "", "", fmt.Errorf("blobstore: %q is not a gs:// path", path)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("blobstore: %q has no object name", path)
	}
	return bucket, object, nil
}
