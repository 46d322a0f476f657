// Package objectstore defines the remote object store used by the filesystem
// adapter and its S3, GCS and in-memory implementations.
package objectstore

import (
	"context"
	"io"
	"time"
)

// MetadataDirectiveCopy keeps the source object's metadata on copy.
const MetadataDirectiveCopy = "COPY"

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	StorageClass string
}

// PutInput describes an upload.
type PutInput struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	// ACL is a canned ACL such as "public-read"; empty leaves the bucket
	// default.
	ACL string
	// StorageClass is e.g. "REDUCED_REDUNDANCY"; empty means standard.
	StorageClass string
}

// CopyInput describes a server-side copy.
type CopyInput struct {
	SrcBucket string
	SrcKey    string
	DstBucket string
	DstKey    string
	// MetadataDirective is always MetadataDirectiveCopy for adapter copies.
	MetadataDirective string
	ACL               string
	StorageClass      string
}

// Store is the remote object store. All methods must be safe for concurrent
// use. Head returns an error wrapping errors.ErrNotFound for missing objects.
type Store interface {
	// Head returns the metadata of bucket/key.
	Head(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// Put uploads an object and returns its metadata.
	Put(ctx context.Context, in PutInput) (*ObjectInfo, error)

	// Copy performs a server-side copy.
	Copy(ctx context.Context, in CopyInput) error

	// Delete removes bucket/key. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// ListPrefix returns up to limit objects whose key starts with prefix.
	// A limit of zero or less returns every match.
	ListPrefix(ctx context.Context, bucket, prefix string, limit int) ([]ObjectInfo, error)

	// HealthCheck verifies that the store is reachable.
	HealthCheck(ctx context.Context) error
}
