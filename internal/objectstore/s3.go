package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	s3err "github.com/amazons3/amazons3/internal/errors"
)

// S3API defines the subset of the AWS S3 client interface that S3Store uses.
// This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3ClientConfig holds the settings used to build an S3 client.
type S3ClientConfig struct {
	Region string
	// Endpoint is a custom S3-compatible endpoint, either a host name or a
	// full URL. Empty means AWS.
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client using the default credential chain, with
// optional overrides for static credentials, a custom endpoint and
// path-style addressing.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// S3Store implements Store on Amazon S3 or an S3-compatible service.
type S3Store struct {
	// Bucket is the bucket probed by HealthCheck.
	Bucket string
	client S3API
}

// NewS3Store creates an S3Store and verifies that bucket is accessible.
func NewS3Store(ctx context.Context, client S3API, bucket string) (*S3Store, error) {
	s := NewS3StoreWithClient(client, bucket)
	if err := s.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", bucket, err)
	}
	slog.Info("S3 object store initialized", "bucket", bucket)
	return s, nil
}

// NewS3StoreWithClient creates an S3Store without probing the bucket. This
// is primarily used for testing with mock clients.
func NewS3StoreWithClient(client S3API, bucket string) *S3Store {
	return &S3Store{Bucket: bucket, client: client}
}

// Head implements Store.
func (s *S3Store) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, s3err.ErrNotFound)
		}
		return nil, fmt.Errorf("heading object in S3: %w", err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ETag:         aws.ToString(resp.ETag),
		ContentType:  aws.ToString(resp.ContentType),
		LastModified: aws.ToTime(resp.LastModified),
		StorageClass: string(resp.StorageClass),
	}, nil
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, in PutInput) (*ObjectInfo, error) {
	params := &s3.PutObjectInput{
		Bucket: aws.String(in.Bucket),
		Key:    aws.String(in.Key),
		Body:   in.Body,
	}
	if in.Size >= 0 {
		params.ContentLength = aws.Int64(in.Size)
	}
	if in.ContentType != "" {
		params.ContentType = aws.String(in.ContentType)
	}
	if in.ACL != "" {
		params.ACL = types.ObjectCannedACL(in.ACL)
	}
	if in.StorageClass != "" {
		params.StorageClass = types.StorageClass(in.StorageClass)
	}

	resp, err := s.client.PutObject(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("uploading to S3: %w", err)
	}
	return &ObjectInfo{
		Key:          in.Key,
		Size:         in.Size,
		ETag:         aws.ToString(resp.ETag),
		ContentType:  in.ContentType,
		StorageClass: in.StorageClass,
	}, nil
}

// Copy implements Store.
func (s *S3Store) Copy(ctx context.Context, in CopyInput) error {
	directive := in.MetadataDirective
	if directive == "" {
		directive = MetadataDirectiveCopy
	}
	params := &s3.CopyObjectInput{
		Bucket:            aws.String(in.DstBucket),
		Key:               aws.String(in.DstKey),
		CopySource:        aws.String(copySource(in.SrcBucket, in.SrcKey)),
		MetadataDirective: types.MetadataDirective(directive),
	}
	if in.ACL != "" {
		params.ACL = types.ObjectCannedACL(in.ACL)
	}
	if in.StorageClass != "" {
		params.StorageClass = types.StorageClass(in.StorageClass)
	}

	if _, err := s.client.CopyObject(ctx, params); err != nil {
		if isAWSNotFound(err) {
			return fmt.Errorf("copy source %s/%s: %w", in.SrcBucket, in.SrcKey, s3err.ErrNotFound)
		}
		return fmt.Errorf("copying object in S3: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// ListPrefix implements Store.
func (s *S3Store) ListPrefix(ctx context.Context, bucket, prefix string, limit int) ([]ObjectInfo, error) {
	var (
		out   []ObjectInfo
		token *string
	)
	for {
		params := &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		}
		if limit > 0 {
			params.MaxKeys = aws.Int32(int32(limit - len(out)))
		}
		resp, err := s.client.ListObjectsV2(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("listing objects in S3: %w", err)
		}
		for _, obj := range resp.Contents {
			out = append(out, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
				StorageClass: string(obj.StorageClass),
			})
		}
		if (limit > 0 && len(out) >= limit) || !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

// HealthCheck verifies that the configured bucket is accessible.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	return err
}

// copySource builds the URL-encoded "bucket/key" CopySource value.
func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

var _ Store = (*S3Store)(nil)
