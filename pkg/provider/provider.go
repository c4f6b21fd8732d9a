// Package provider defines the object storage surface used to offload
// archived batch tarballs.
//
// Providers implement only what offload needs: upload, a metadata probe used
// to confirm an upload, and delete. Authentication uses SDK default credential
// chains.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider is an object store that archived batches can be copied to.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// PutObject creates or overwrites key with contentLength bytes from body.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// DeleteObject removes key. A missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// Close releases any resources held by the provider.
	Close() error
}

// ObjectMeta is the metadata returned by Head.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// ProviderType identifies an object store implementation.
type ProviderType string

const (
	// ProviderS3 is AWS S3 or an S3-compatible store.
	ProviderS3 ProviderType = "s3"

	// ProviderFile is a local or network-mounted directory.
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}
