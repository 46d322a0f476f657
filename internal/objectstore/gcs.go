package objectstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	s3err "github.com/amazons3/amazons3/internal/errors"
)

// GCSAPI defines the subset of the GCS client that GCSStore uses. This allows
// mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string, attrs GCSWriteAttrs) io.WriteCloser
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Copy copies a GCS object server-side, keeping its metadata.
	Copy(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject string, attrs GCSWriteAttrs) (*GCSAttrs, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// ListObjects lists up to limit objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]GCSAttrs, error)
	// BucketAttrs checks that the bucket exists.
	BucketAttrs(ctx context.Context, bucket string) error
}

// GCSWriteAttrs are the attributes applied on upload or copy.
type GCSWriteAttrs struct {
	ContentType   string
	PredefinedACL string
	StorageClass  string
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Name         string
	Size         int64
	MD5          []byte // raw MD5 hash bytes
	ContentType  string
	Updated      time.Time
	StorageClass string
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, attrs GCSWriteAttrs) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.PredefinedACL = attrs.PredefinedACL
	w.StorageClass = attrs.StorageClass
	return w
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return fromObjectAttrs(attrs), nil
}

func (c *realGCSClient) Copy(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject string, attrs GCSWriteAttrs) (*GCSAttrs, error) {
	src := c.client.Bucket(srcBucket).Object(srcObject)
	dst := c.client.Bucket(dstBucket).Object(dstObject)
	copier := dst.CopierFrom(src)
	copier.PredefinedACL = attrs.PredefinedACL
	copier.StorageClass = attrs.StorageClass
	out, err := copier.Run(ctx)
	if err != nil {
		return nil, err
	}
	return fromObjectAttrs(out), nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]GCSAttrs, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var out []GCSAttrs
	for limit <= 0 || len(out) < limit {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *fromObjectAttrs(attrs))
	}
	return out, nil
}

func (c *realGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

func fromObjectAttrs(attrs *gcs.ObjectAttrs) *GCSAttrs {
	return &GCSAttrs{
		Name:         attrs.Name,
		Size:         attrs.Size,
		MD5:          attrs.MD5,
		ContentType:  attrs.ContentType,
		Updated:      attrs.Updated,
		StorageClass: attrs.StorageClass,
	}
}

// GCSStore implements Store on Google Cloud Storage.
type GCSStore struct {
	// Bucket is the bucket probed by HealthCheck.
	Bucket string
	client GCSAPI
}

// NewGCSClient creates a GCS client using Application Default Credentials,
// or the given service account key file when credentialsFile is set.
func NewGCSClient(ctx context.Context, credentialsFile string) (*gcs.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return client, nil
}

// NewGCSStore creates a GCSStore over client and verifies that bucket is
// accessible.
func NewGCSStore(ctx context.Context, client *gcs.Client, bucket string) (*GCSStore, error) {
	s := NewGCSStoreWithClient(&realGCSClient{client: client}, bucket)
	if err := s.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", bucket, err)
	}
	slog.Info("GCS object store initialized", "bucket", bucket)
	return s, nil
}

// NewGCSStoreWithClient creates a GCSStore with a pre-configured client. This
// is primarily used for testing with mock clients.
func NewGCSStoreWithClient(client GCSAPI, bucket string) *GCSStore {
	return &GCSStore{Bucket: bucket, client: client}
}

// Head implements Store.
func (s *GCSStore) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	attrs, err := s.client.Attrs(ctx, bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, s3err.ErrNotFound)
		}
		return nil, fmt.Errorf("reading object attributes from GCS: %w", err)
	}
	info := toObjectInfo(attrs)
	info.Key = key
	return &info, nil
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, in PutInput) (*ObjectInfo, error) {
	w := s.client.NewWriter(ctx, in.Bucket, in.Key, GCSWriteAttrs{
		ContentType:   in.ContentType,
		PredefinedACL: gcsACL(in.ACL),
		StorageClass:  gcsStorageClass(in.StorageClass),
	})
	n, err := io.Copy(w, in.Body)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("writing to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return &ObjectInfo{
		Key:          in.Key,
		Size:         n,
		ContentType:  in.ContentType,
		StorageClass: in.StorageClass,
	}, nil
}

// Copy implements Store. GCS always keeps the source metadata on a rewrite,
// which matches MetadataDirectiveCopy.
func (s *GCSStore) Copy(ctx context.Context, in CopyInput) error {
	_, err := s.client.Copy(ctx, in.SrcBucket, in.SrcKey, in.DstBucket, in.DstKey, GCSWriteAttrs{
		PredefinedACL: gcsACL(in.ACL),
		StorageClass:  gcsStorageClass(in.StorageClass),
	})
	if err != nil {
		if isGCSNotFound(err) {
			return fmt.Errorf("copy source %s/%s: %w", in.SrcBucket, in.SrcKey, s3err.ErrNotFound)
		}
		return fmt.Errorf("copying object in GCS: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *GCSStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.Delete(ctx, bucket, key); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

// ListPrefix implements Store.
func (s *GCSStore) ListPrefix(ctx context.Context, bucket, prefix string, limit int) ([]ObjectInfo, error) {
	objs, err := s.client.ListObjects(ctx, bucket, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("listing objects in GCS: %w", err)
	}
	out := make([]ObjectInfo, 0, len(objs))
	for i := range objs {
		out = append(out, toObjectInfo(&objs[i]))
	}
	return out, nil
}

// HealthCheck verifies that the configured bucket is accessible.
func (s *GCSStore) HealthCheck(ctx context.Context) error {
	return s.client.BucketAttrs(ctx, s.Bucket)
}

func toObjectInfo(attrs *GCSAttrs) ObjectInfo {
	info := ObjectInfo{
		Key:          attrs.Name,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
		StorageClass: attrs.StorageClass,
	}
	if len(attrs.MD5) > 0 {
		info.ETag = `"` + hex.EncodeToString(attrs.MD5) + `"`
	}
	return info
}

// gcsACL maps an S3 canned ACL to the GCS predefined ACL.
func gcsACL(acl string) string {
	switch acl {
	case "public-read":
		return "publicRead"
	case "private":
		return "private"
	case "authenticated-read":
		return "authenticatedRead"
	case "bucket-owner-read":
		return "bucketOwnerRead"
	case "bucket-owner-full-control":
		return "bucketOwnerFullControl"
	default:
		return ""
	}
}

// gcsStorageClass maps the S3 reduced-redundancy class to its GCS analog.
func gcsStorageClass(class string) string {
	if class == "REDUCED_REDUNDANCY" {
		return "DURABLE_REDUCED_AVAILABILITY"
	}
	return class
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	return errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist)
}

var _ Store = (*GCSStore)(nil)
