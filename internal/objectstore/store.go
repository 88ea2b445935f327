// Package objectstore writes run artifacts to Cloud Storage or to the local filesystem.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"
)

// URI schemes understood by the stores.
const (
	SchemeGCS  = "gs://"
	SchemeFile = "file://"
)

var (
	ErrUnsupportedScheme = errors.New("output.bucket must start with gs:// or file://")
	ErrInvalidURI        = errors.New("invalid object URI")
)

// Store uploads one object.
type Store interface {
	Upload(ctx context.Context, uri string, data []byte, contentType string) error
}

// JoinURI appends a relative object path to a bucket URI.
func JoinURI(bucket, relative string) (string, error) {
	if !strings.HasPrefix(bucket, SchemeGCS) && !strings.HasPrefix(bucket, SchemeFile) {
		return "", ErrUnsupportedScheme
	}

	return strings.TrimRight(bucket, "/") + "/" + strings.TrimLeft(relative, "/"), nil
}

// SplitGCSURI returns the bucket and object name of a gs:// URI.
func SplitGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, SchemeGCS) {
		return "", "", fmt.Errorf("%w: GCS URI must start with gs://, got %s", ErrInvalidURI, uri)
	}

	bucket, object, _ = strings.Cut(strings.TrimPrefix(uri, SchemeGCS), "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}

	return bucket, object, nil
}

// LocalPath maps a file:// URI onto the filesystem. file:///srv/out is absolute and
// file://./out is relative to the working directory.
func LocalPath(uri string) (string, error) {
	if !strings.HasPrefix(uri, SchemeFile) {
		return "", fmt.Errorf("%w: local URI must start with file://, got %s", ErrInvalidURI, uri)
	}

	path := strings.TrimPrefix(uri, SchemeFile)
	if path == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}

	return filepath.FromSlash(path), nil
}

// LocalStore writes file:// objects.
type LocalStore struct{}

var _ Store = LocalStore{}

// Upload writes data to the mapped path, creating parent directories.
func (LocalStore) Upload(_ context.Context, uri string, data []byte, _ string) error {
	path, err := LocalPath(uri)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", uri, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // artifacts are meant to be shared
		return fmt.Errorf("failed to write %s: %w", uri, err)
	}

	return nil
}

// GCSStore writes gs:// objects through the Cloud Storage JSON API.
type GCSStore struct {
	service *gcs.Service
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a Cloud Storage client using application default credentials unless
// opts say otherwise.
func NewGCSStore(ctx context.Context, opts ...option.ClientOption) (*GCSStore, error) {
	service, err := gcs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &GCSStore{service: service}, nil
}

// Upload stores data as a single media upload.
func (s *GCSStore) Upload(ctx context.Context, uri string, data []byte, contentType string) error {
	bucket, object, err := SplitGCSURI(uri)
	if err != nil {
		return err
	}

	_, err = s.service.Objects.Insert(bucket, &gcs.Object{Name: object, ContentType: contentType}).
		Media(bytes.NewReader(data), googleapi.ContentType(contentType)).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", uri, err)
	}

	return nil
}

// Router picks a store by URI scheme. The Cloud Storage client is created on first use.
type Router struct {
	newGCS func(ctx context.Context) (Store, error)

	mu  sync.Mutex
	gcs Store
}

// NewRouter returns a router whose gs:// store is built with opts.
func NewRouter(opts ...option.ClientOption) *Router {
	return &Router{
		newGCS: func(ctx context.Context) (Store, error) {
			return NewGCSStore(ctx, opts...)
		},
	}
}

// For returns the store that serves bucket.
func (r *Router) For(ctx context.Context, bucket string) (Store, error) {
	switch {
	case strings.HasPrefix(bucket, SchemeFile):
		return LocalStore{}, nil
	case strings.HasPrefix(bucket, SchemeGCS):
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.gcs == nil {
			store, err := r.newGCS(ctx)
			if err != nil {
				return nil, err
			}

			r.gcs = store
		}

		return r.gcs, nil
	default:
		return nil, ErrUnsupportedScheme
	}
}
