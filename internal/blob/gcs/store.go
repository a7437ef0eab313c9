// Package gcs provides a content store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Store writes content-addressed objects to a GCS bucket. The object name is
// the content hash, so a pre-existence check gives write-once semantics.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed content store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *Store) objectName(hash string) string {
	if s.prefix == "" {
		return hash
	}
	return s.prefix + "/" + hash
}

// Put uploads data under its hash unless the object already exists.
func (s *Store) Put(ctx context.Context, hash, contentType string, data []byte) (string, bool, error) {
	if hash == "" {
		return "", false, fmt.Errorf("hash is required")
	}
	name := s.objectName(hash)
	obj := s.client.Bucket(s.bucket).Object(name)

	if _, err := obj.Attrs(ctx); err == nil {
		return s.uri(name), true, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", false, &core.StorageError{Op: "stat", Err: err}
	}

	// DoesNotExist guards the write-once invariant against concurrent
	// uploaders of the same hash.
	writer := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", false, &core.StorageError{Op: "write", Err: err}
	}
	if err := writer.Close(); err != nil {
		var apiErr *googleapi.Error
		// A precondition failure means another writer won the race; the
		// content is identical by construction.
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return s.uri(name), true, nil
		}
		return "", false, &core.StorageError{Op: "close", Err: err}
	}
	return s.uri(name), false, nil
}

// Get downloads the object bytes for a storage key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	name := strings.TrimPrefix(key, fmt.Sprintf("gs://%s/", s.bucket))
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, &core.StorageError{Op: "open", Err: err}
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &core.StorageError{Op: "read", Err: err}
	}
	return data, nil
}

// Stat reports whether a hash exists in the bucket.
func (s *Store) Stat(ctx context.Context, hash string) (core.ContentBlob, bool, error) {
	name := s.objectName(hash)
	attrs, err := s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return core.ContentBlob{}, false, nil
	}
	if err != nil {
		return core.ContentBlob{}, false, &core.StorageError{Op: "stat", Err: err}
	}
	return core.ContentBlob{
		Hash:        hash,
		StorageKey:  s.uri(name),
		ContentType: attrs.ContentType,
		Size:        attrs.Size,
	}, true, nil
}

func (s *Store) uri(name string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, name)
}
