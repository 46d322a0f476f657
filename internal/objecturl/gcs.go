package objecturl

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/amazons3/amazons3/internal/resolver"
)

// gcsPublicHost serves public objects.
const gcsPublicHost = "storage.googleapis.com"

// GCSSigner signs object URLs. It allows mocking in tests.
type GCSSigner interface {
	SignedURL(bucket, object string, opts *gcs.SignedURLOptions) (string, error)
}

// clientSigner signs through a bucket handle, which discovers the signing
// identity from the client's credentials.
type clientSigner struct {
	client *gcs.Client
}

func (c *clientSigner) SignedURL(bucket, object string, opts *gcs.SignedURLOptions) (string, error) {
	return c.client.Bucket(bucket).SignedURL(object, opts)
}

// GCSOptions configures the GCS URL backend.
type GCSOptions struct {
	// SignerEmail overrides the service account used to sign; empty means
	// detect it from the credentials.
	SignerEmail string
	// Domain is a bucket-bound CNAME host. When set, URLs are built and
	// signed for https://<Domain>/<object>.
	Domain string
}

// GCS builds object URLs for Google Cloud Storage.
type GCS struct {
	signer GCSSigner
	opts   GCSOptions
	now    func() time.Time
}

// NewGCS creates a GCS URL backend.
func NewGCS(client *gcs.Client, opts GCSOptions) *GCS {
	return NewGCSWithSigner(&clientSigner{client: client}, opts)
}

// NewGCSWithSigner creates a GCS URL backend over an existing signer.
func NewGCSWithSigner(signer GCSSigner, opts GCSOptions) *GCS {
	return &GCS{signer: signer, opts: opts, now: time.Now}
}

// BuildObjectURL implements resolver.ObjectURLBackend. GCS has no torrent
// delivery, so the torrent suffix is dropped.
func (g *GCS) BuildObjectURL(ctx context.Context, bucket, key string, expiry *time.Time, params resolver.ObjectURLParams) (string, error) {
	objectKey, torrent := strings.CutSuffix(key, resolver.TorrentSuffix)
	if torrent {
		slog.Debug("Torrent delivery not available on GCS, serving object directly", "bucket", bucket, "key", objectKey)
	}
	if expiry == nil {
		if g.opts.Domain != "" {
			return "https://" + g.opts.Domain + "/" + escapePath(objectKey), nil
		}
		return "https://" + gcsPublicHost + "/" + url.PathEscape(bucket) + "/" + escapePath(objectKey), nil
	}

	if _, err := presignLifetime(*expiry, g.now()); err != nil {
		return "", err
	}
	opts := &gcs.SignedURLOptions{
		Scheme:         gcs.SigningSchemeV4,
		Method:         "GET",
		Expires:        *expiry,
		GoogleAccessID: g.opts.SignerEmail,
	}
	if g.opts.Domain != "" {
		opts.Style = gcs.BucketBoundHostname(g.opts.Domain)
	}
	if params.ResponseContentDisposition != "" {
		opts.QueryParameters = url.Values{
			"response-content-disposition": {params.ResponseContentDisposition},
		}
	}
	signed, err := g.signer.SignedURL(bucket, objectKey, opts)
	if err != nil {
		return "", fmt.Errorf("signing GCS URL: %w", err)
	}
	return signed, nil
}

var _ resolver.ObjectURLBackend = (*GCS)(nil)
