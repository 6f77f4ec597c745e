// Package blobstore provides named, request-keyed response stores and a
// registry of locally addressable blob references for playback.
package blobstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Bucket.Match when no response is stored for a
// request path.
var ErrNotFound = errors.New("response not found")

// Response is a stored synthesis response.
type Response struct {
	ContentType string
	Body        []byte
	StoredAt    time.Time
}

// Size returns the body length in bytes.
func (r *Response) Size() int64 {
	return int64(len(r.Body))
}

// Bucket is one named response store, keyed by request path.
type Bucket interface {
	// Match returns the response stored for path, or ErrNotFound.
	Match(ctx context.Context, path string) (*Response, error)

	// Put stores resp under path, replacing any previous response.
	Put(ctx context.Context, path string, resp Response) error

	// Delete removes the response for path. Missing paths are a no-op.
	Delete(ctx context.Context, path string) error
}

// Store opens named buckets.
type Store interface {
	Open(ctx context.Context, name string) (Bucket, error)
	Close() error
}
