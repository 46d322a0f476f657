// Package objectkey normalizes logical file paths into bucket-scoped object
// keys.
//
// Accepted forms:
//
//	s3://bucket/path/to/file
//	s3://                      (default bucket, empty path)
//	bucket/path/to/file
//
// A normalized path never has a leading or trailing slash and every segment
// is non-empty.
package objectkey

import (
	"fmt"
	"strings"

	s3err "github.com/amazons3/amazons3/internal/errors"
)

// Scheme is the URI scheme of stream-style object URIs.
const Scheme = "s3://"

// Key identifies an object within a bucket.
type Key struct {
	Bucket string
	Path   string
}

// New builds a Key from a bucket and a raw path, normalizing the path.
func New(bucket, path string) (Key, error) {
	if bucket == "" || strings.Contains(bucket, "/") {
		return Key{}, fmt.Errorf("%w: bucket %q", s3err.ErrInvalidKey, bucket)
	}
	p, err := Normalize(path)
	if err != nil {
		return Key{}, err
	}
	return Key{Bucket: bucket, Path: p}, nil
}

// Parse parses a URI of the form "s3://bucket/key" or "bucket/key". When the
// URI names no bucket (a bare "s3://"), defaultBucket is used.
func Parse(uri, defaultBucket string) (Key, error) {
	rest := strings.TrimPrefix(uri, Scheme)
	rest = strings.TrimLeft(rest, "/")
	if rest == "" {
		if defaultBucket == "" {
			return Key{}, fmt.Errorf("%w: %q names no bucket", s3err.ErrInvalidKey, uri)
		}
		return Key{Bucket: defaultBucket}, nil
	}
	bucket, path, _ := strings.Cut(rest, "/")
	return New(bucket, path)
}

// Normalize collapses repeated slashes, strips leading and trailing slashes
// and drops "." segments. ".." segments are rejected.
func Normalize(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	raw := strings.Split(path, "/")
	segs := raw[:0]
	for _, s := range raw {
		switch s {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q contains '..'", s3err.ErrInvalidKey, path)
		}
		segs = append(segs, s)
	}
	return strings.Join(segs, "/"), nil
}

// String returns the stream URI for the key.
func (k Key) String() string {
	if k.Path == "" {
		return Scheme + k.Bucket
	}
	return Scheme + k.Bucket + "/" + k.Path
}

// CacheKey returns the key used in the metadata cache: "bucket/path".
func (k Key) CacheKey() string {
	return k.Bucket + "/" + k.Path
}

// Segments returns the path segments, or nil for the bucket root.
func (k Key) Segments() []string {
	if k.Path == "" {
		return nil
	}
	return strings.Split(k.Path, "/")
}

// IsRoot reports whether the key refers to the bucket itself.
func (k Key) IsRoot() bool { return k.Path == "" }

// Basename returns the last path segment.
func (k Key) Basename() string {
	if i := strings.LastIndexByte(k.Path, '/'); i >= 0 {
		return k.Path[i+1:]
	}
	return k.Path
}

// Dir returns the key of the parent directory. The parent of a top-level
// object is the bucket root.
func (k Key) Dir() Key {
	if i := strings.LastIndexByte(k.Path, '/'); i >= 0 {
		return Key{Bucket: k.Bucket, Path: k.Path[:i]}
	}
	return Key{Bucket: k.Bucket}
}

// Join returns the key for a child path under k.
func (k Key) Join(elem string) (Key, error) {
	if k.Path == "" {
		return New(k.Bucket, elem)
	}
	return New(k.Bucket, k.Path+"/"+elem)
}

// DirMarker returns the zero-byte marker object name used to represent k as
// a directory ("path/").
func (k Key) DirMarker() string {
	if k.Path == "" {
		return ""
	}
	return k.Path + "/"
}
