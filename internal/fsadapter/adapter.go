// Package fsadapter exposes an object store through filesystem-style
// operations: stat, write, copy, rename, mkdir and friends, addressed by
// s3://bucket/path URIs.
//
// Directories are emulated. A path is a directory when a zero-byte marker
// object "path/" exists or any object lives under "path/". Every stat result,
// negative ones included, goes through the metadata cache, and every mutation
// invalidates the keys it touched.
package fsadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"

	"github.com/amazons3/amazons3/internal/derivative"
	s3err "github.com/amazons3/amazons3/internal/errors"
	"github.com/amazons3/amazons3/internal/metacache"
	"github.com/amazons3/amazons3/internal/metrics"
	"github.com/amazons3/amazons3/internal/objectkey"
	"github.com/amazons3/amazons3/internal/objectstore"
	"github.com/amazons3/amazons3/internal/policy"
	"github.com/amazons3/amazons3/internal/resolver"
)

// DirectoryContentType is the content type of directory marker objects.
const DirectoryContentType = "application/x-directory"

// defaultContentType is used when the extension has no known type.
const defaultContentType = "application/octet-stream"

// FileInfo is the result of Stat.
type FileInfo struct {
	Key objectkey.Key
	metacache.Stat
}

// Name returns the base name of the file.
func (fi *FileInfo) Name() string { return fi.Key.Basename() }

// Adapter implements filesystem operations over an object store.
type Adapter struct {
	store    objectstore.Store
	cache    *metacache.Cache
	policy   *policy.Policy
	resolver *resolver.Resolver
	logger   *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

// New creates an Adapter. A nil cache disables metadata caching.
func New(store objectstore.Store, cache *metacache.Cache, p *policy.Policy, r *resolver.Resolver, opts ...Option) *Adapter {
	if cache == nil {
		cache = metacache.Disabled()
	}
	a := &Adapter{
		store:    store,
		cache:    cache,
		policy:   p,
		resolver: r,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Key parses uri, defaulting to the configured bucket.
func (a *Adapter) Key(uri string) (objectkey.Key, error) {
	return objectkey.Parse(uri, a.policy.Bucket())
}

// Stat returns the metadata of uri. Missing paths return an error wrapping
// errors.ErrNotFound.
func (a *Adapter) Stat(ctx context.Context, uri string) (*FileInfo, error) {
	key, err := a.Key(uri)
	if err != nil {
		return nil, err
	}
	return a.stat(ctx, key)
}

func (a *Adapter) stat(ctx context.Context, key objectkey.Key) (*FileInfo, error) {
	if key.IsRoot() {
		return &FileInfo{Key: key, Stat: metacache.Stat{IsDir: true}}, nil
	}

	if e, ok := a.cache.Lookup(ctx, key.CacheKey()); ok {
		if !e.Exists {
			return nil, notFound(key)
		}
		return &FileInfo{Key: key, Stat: e.Stat}, nil
	}

	st, exists, err := a.statRemote(ctx, key)
	if err != nil {
		return nil, err
	}
	a.cache.Store(ctx, key.CacheKey(), exists, st, a.policy.CacheTTLSeconds())
	if !exists {
		return nil, notFound(key)
	}
	return &FileInfo{Key: key, Stat: st}, nil
}

// statRemote asks the store about key, falling back to a directory probe.
func (a *Adapter) statRemote(ctx context.Context, key objectkey.Key) (metacache.Stat, bool, error) {
	info, err := a.store.Head(ctx, key.Bucket, key.Path)
	if err == nil {
		return statFromInfo(info), true, nil
	}
	if !errors.Is(err, s3err.ErrNotFound) {
		return metacache.Stat{}, false, err
	}

	isDir, err := a.isDir(ctx, key)
	if err != nil {
		return metacache.Stat{}, false, err
	}
	if isDir {
		return metacache.Stat{IsDir: true, ContentType: DirectoryContentType}, true, nil
	}
	return metacache.Stat{}, false, nil
}

func (a *Adapter) isDir(ctx context.Context, key objectkey.Key) (bool, error) {
	children, err := a.store.ListPrefix(ctx, key.Bucket, key.DirMarker(), 1)
	if err != nil {
		return false, fmt.Errorf("probing directory %s: %w", key, err)
	}
	return len(children) > 0, nil
}

// Exists reports whether uri is an existing file or directory.
func (a *Adapter) Exists(ctx context.Context, uri string) (bool, error) {
	_, err := a.Stat(ctx, uri)
	if errors.Is(err, s3err.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Write uploads body to uri with the ACL and storage class the policy
// assigns to the path. An empty contentType is derived from the extension.
func (a *Adapter) Write(ctx context.Context, uri string, body io.Reader, size int64, contentType string) error {
	key, err := a.fileKey(uri)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = ContentType(key.Path)
	}
	opts := a.policy.WriteOptions(key.Path)

	_, err = a.store.Put(ctx, objectstore.PutInput{
		Bucket:       key.Bucket,
		Key:          key.Path,
		Body:         body,
		Size:         size,
		ContentType:  contentType,
		ACL:          opts.ACL,
		StorageClass: opts.StorageClass,
	})
	a.invalidate(ctx, key, key.Dir())
	if err != nil {
		return a.fail("Write", fmt.Errorf("writing %s: %w", key, err))
	}
	if size > 0 {
		metrics.BytesWrittenTotal.Add(float64(size))
	}
	a.succeed("Write")
	return nil
}

// Copy copies from to to server-side, keeping the source metadata and
// applying the destination's write options.
func (a *Adapter) Copy(ctx context.Context, from, to string) error {
	src, err := a.fileKey(from)
	if err != nil {
		return err
	}
	dst, err := a.fileKey(to)
	if err != nil {
		return err
	}
	if err := a.copy(ctx, src, dst); err != nil {
		return a.fail("Copy", err)
	}
	a.succeed("Copy")
	return nil
}

func (a *Adapter) copy(ctx context.Context, src, dst objectkey.Key) error {
	opts := a.policy.WriteOptions(dst.Path)
	err := a.store.Copy(ctx, objectstore.CopyInput{
		SrcBucket:         src.Bucket,
		SrcKey:            src.Path,
		DstBucket:         dst.Bucket,
		DstKey:            dst.Path,
		MetadataDirective: objectstore.MetadataDirectiveCopy,
		ACL:               opts.ACL,
		StorageClass:      opts.StorageClass,
	})
	a.invalidate(ctx, dst, dst.Dir())
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

// Delete removes uri.
func (a *Adapter) Delete(ctx context.Context, uri string) error {
	key, err := a.fileKey(uri)
	if err != nil {
		return err
	}
	err = a.store.Delete(ctx, key.Bucket, key.Path)
	a.invalidate(ctx, key, key.Dir())
	if err != nil {
		return a.fail("Delete", fmt.Errorf("deleting %s: %w", key, err))
	}
	a.succeed("Delete")
	return nil
}

// Rename moves from to to by copying and then deleting the source. A failed
// copy leaves the source untouched; the source is deleted only after the
// copy succeeded. Renaming a key onto itself is a no-op.
func (a *Adapter) Rename(ctx context.Context, from, to string) error {
	src, err := a.fileKey(from)
	if err != nil {
		return err
	}
	dst, err := a.fileKey(to)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}

	a.invalidate(ctx, src, dst)
	defer a.invalidate(ctx, src, dst, src.Dir())

	if err := a.copy(ctx, src, dst); err != nil {
		return a.fail("Rename", err)
	}
	if err := a.store.Delete(ctx, src.Bucket, src.Path); err != nil {
		return a.fail("Rename", fmt.Errorf("removing rename source %s: %w", src, err))
	}
	a.succeed("Rename")
	return nil
}

// Mkdir creates the directory marker for uri. With recursive set, markers
// are also created for every missing ancestor.
func (a *Adapter) Mkdir(ctx context.Context, uri string, recursive bool) error {
	key, err := a.Key(uri)
	if err != nil {
		return err
	}
	if key.IsRoot() {
		return nil
	}

	if recursive {
		for parent := key.Dir(); !parent.IsRoot(); parent = parent.Dir() {
			if _, err := a.stat(ctx, parent); err == nil {
				break
			}
			if err := a.putMarker(ctx, parent); err != nil {
				return a.fail("Mkdir", err)
			}
		}
	}
	if err := a.putMarker(ctx, key); err != nil {
		return a.fail("Mkdir", err)
	}
	a.succeed("Mkdir")
	return nil
}

func (a *Adapter) putMarker(ctx context.Context, key objectkey.Key) error {
	opts := a.policy.WriteOptions(key.Path)
	_, err := a.store.Put(ctx, objectstore.PutInput{
		Bucket:       key.Bucket,
		Key:          key.DirMarker(),
		Body:         strings.NewReader(""),
		Size:         0,
		ContentType:  DirectoryContentType,
		ACL:          opts.ACL,
		StorageClass: opts.StorageClass,
	})
	a.invalidate(ctx, key, key.Dir())
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", key, err)
	}
	return nil
}

// Rmdir removes the directory marker for uri. It fails with
// errors.ErrDirectoryNotEmpty when anything else lives under the directory.
func (a *Adapter) Rmdir(ctx context.Context, uri string) error {
	key, err := a.fileKey(uri)
	if err != nil {
		return err
	}
	children, err := a.store.ListPrefix(ctx, key.Bucket, key.DirMarker(), 2)
	if err != nil {
		return a.fail("Rmdir", fmt.Errorf("listing %s: %w", key, err))
	}
	for _, c := range children {
		if c.Key != key.DirMarker() {
			return a.fail("Rmdir", fmt.Errorf("%s: %w", key, s3err.ErrDirectoryNotEmpty))
		}
	}

	err = a.store.Delete(ctx, key.Bucket, key.DirMarker())
	a.invalidate(ctx, key, key.Dir())
	if err != nil {
		return a.fail("Rmdir", fmt.Errorf("removing directory %s: %w", key, err))
	}
	a.succeed("Rmdir")
	return nil
}

// PrepareDirectory makes sure the directory of uri exists so that a
// derivative can be written to it.
func (a *Adapter) PrepareDirectory(ctx context.Context, uri string) error {
	key, err := a.Key(uri)
	if err != nil {
		return err
	}
	dir := key.Dir()
	if dir.IsRoot() {
		return nil
	}
	if fi, err := a.stat(ctx, dir); err == nil && fi.IsDir {
		return nil
	}
	return a.Mkdir(ctx, dir.String(), true)
}

// Lock is not supported by object storage.
func (a *Adapter) Lock(ctx context.Context, uri string) error {
	return &s3err.NotSupportedError{Op: "lock"}
}

// Realpath is not supported by object storage.
func (a *Adapter) Realpath(uri string) (string, error) {
	return "", &s3err.NotSupportedError{Op: "realpath"}
}

// Chmod is not supported by object storage; access is governed by the ACL
// applied on write.
func (a *Adapter) Chmod(ctx context.Context, uri string, mode uint32) error {
	return &s3err.NotSupportedError{Op: "chmod"}
}

// Dirname returns the URI of the parent directory of uri.
func (a *Adapter) Dirname(uri string) (string, error) {
	key, err := a.Key(uri)
	if err != nil {
		return "", err
	}
	return key.Dir().String(), nil
}

// Basename returns the last path segment of uri.
func (a *Adapter) Basename(uri string) (string, error) {
	key, err := a.Key(uri)
	if err != nil {
		return "", err
	}
	return key.Basename(), nil
}

// ExternalURL resolves the public URL of uri. Derivative paths are checked
// for an existing generated copy first.
func (a *Adapter) ExternalURL(ctx context.Context, uri string) (*resolver.ResolvedURL, error) {
	key, err := a.Key(uri)
	if err != nil {
		return nil, err
	}
	req := resolver.Request{Key: key}
	if derivative.IsDerivativePath(key.Path) {
		req.LocalCopyExists, err = a.Exists(ctx, key.String())
		if err != nil {
			return nil, err
		}
	}
	return a.resolver.Resolve(ctx, req)
}

// ContentType returns the MIME type for p based on its extension. For
// multi-dot names the longest known suffix wins, e.g. "tar.gz".
func ContentType(p string) string {
	name := path.Base(p)
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return defaultContentType
	}
	for i := 1; i < len(parts); i++ {
		if t := mime.TypeByExtension("." + strings.Join(parts[i:], ".")); t != "" {
			return t
		}
	}
	return defaultContentType
}

// fileKey parses uri and rejects the bucket root.
func (a *Adapter) fileKey(uri string) (objectkey.Key, error) {
	key, err := a.Key(uri)
	if err != nil {
		return key, err
	}
	if key.IsRoot() {
		return key, fmt.Errorf("%w: %q refers to the bucket root", s3err.ErrInvalidKey, uri)
	}
	return key, nil
}

func (a *Adapter) invalidate(ctx context.Context, keys ...objectkey.Key) {
	for _, k := range keys {
		if !k.IsRoot() {
			a.cache.Invalidate(ctx, k.CacheKey())
		}
	}
}

func (a *Adapter) succeed(op string) {
	metrics.AdapterOperationsTotal.WithLabelValues(op, "success").Inc()
}

func (a *Adapter) fail(op string, err error) error {
	metrics.AdapterOperationsTotal.WithLabelValues(op, "error").Inc()
	a.logger.Warn("Adapter operation failed", "op", op, "error", err)
	return err
}

func statFromInfo(info *objectstore.ObjectInfo) metacache.Stat {
	return metacache.Stat{
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
		StorageClass: info.StorageClass,
	}
}

func notFound(key objectkey.Key) error {
	return fmt.Errorf("%s: %w", key, s3err.ErrNotFound)
}
