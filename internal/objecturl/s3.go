// Package objecturl builds direct object URLs for the storage backends: plain
// public URLs, and time-limited signed URLs when an expiry is requested.
package objecturl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyendpoints "github.com/aws/smithy-go/endpoints"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/amazons3/amazons3/internal/resolver"
)

// MaxPresignLifetime is the longest lifetime a SigV4 presigned URL may have.
const MaxPresignLifetime = 7 * 24 * time.Hour

// s3APIDomain is the global S3 endpoint used for unsigned URLs.
const s3APIDomain = "s3.amazonaws.com"

// PresignAPI is the subset of s3.PresignClient used by S3. It allows mocking
// in tests.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Options controls the shape of object URLs.
type S3Options struct {
	// Endpoint is a custom S3-compatible host or URL.
	Endpoint     string
	UsePathStyle bool
	// Domain is a CNAME host serving the bucket. When set, URLs are built
	// and presigned as https://<Domain>/<key>, so the signature covers the
	// host the browser requests.
	Domain string
}

// S3 builds object URLs for Amazon S3.
type S3 struct {
	presigner PresignAPI
	opts      S3Options
	now       func() time.Time
}

// NewS3 creates an S3 URL backend that presigns with client.
func NewS3(client *s3.Client, opts S3Options) *S3 {
	return NewS3WithPresigner(s3.NewPresignClient(client), opts)
}

// NewS3WithPresigner creates an S3 URL backend over an existing presigner.
func NewS3WithPresigner(p PresignAPI, opts S3Options) *S3 {
	return &S3{presigner: p, opts: opts, now: time.Now}
}

// BuildObjectURL implements resolver.ObjectURLBackend.
func (s *S3) BuildObjectURL(ctx context.Context, bucket, key string, expiry *time.Time, params resolver.ObjectURLParams) (string, error) {
	objectKey, torrent := strings.CutSuffix(key, resolver.TorrentSuffix)
	if expiry == nil {
		return s.plainURL(bucket, objectKey, torrent), nil
	}

	lifetime, err := presignLifetime(*expiry, s.now())
	if err != nil {
		return "", err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey),
	}
	if params.ResponseContentDisposition != "" {
		input.ResponseContentDisposition = aws.String(params.ResponseContentDisposition)
	}

	optFns := []func(*s3.PresignOptions){s3.WithPresignExpires(lifetime)}
	if s.opts.Domain != "" {
		optFns = append(optFns, withDomainEndpoint(s.opts.Domain))
	}
	if torrent {
		optFns = append(optFns, withTorrentSubresource)
	}

	req, err := s.presigner.PresignGetObject(ctx, input, optFns...)
	if err != nil {
		return "", fmt.Errorf("presigning GetObject: %w", err)
	}
	return req.URL, nil
}

// plainURL returns an unsigned URL on the CNAME domain, or a
// virtual-hosted or path-style URL on the S3 endpoint.
func (s *S3) plainURL(bucket, key string, torrent bool) string {
	if s.opts.Domain != "" {
		raw := "https://" + s.opts.Domain + "/" + escapePath(key)
		if torrent {
			raw += resolver.TorrentSuffix
		}
		return raw
	}

	scheme, host := "https", s3APIDomain
	if s.opts.Endpoint != "" {
		if u, err := url.Parse(s.opts.Endpoint); err == nil && u.Host != "" {
			scheme, host = u.Scheme, u.Host
		} else {
			host = s.opts.Endpoint
		}
	}

	var raw string
	// Dotted bucket names break TLS wildcard matching on virtual hosts.
	if s.opts.UsePathStyle || strings.Contains(bucket, ".") {
		raw = scheme + "://" + host + "/" + bucket + "/" + escapePath(key)
	} else {
		raw = scheme + "://" + bucket + "." + host + "/" + escapePath(key)
	}
	if torrent {
		raw += resolver.TorrentSuffix
	}
	return raw
}

// domainEndpoint resolves every request to the CNAME host. The bucket is
// implied by the host, so it is not added to the host or the path.
type domainEndpoint struct {
	uri url.URL
}

func (d domainEndpoint) ResolveEndpoint(ctx context.Context, _ s3.EndpointParameters) (smithyendpoints.Endpoint, error) {
	return smithyendpoints.Endpoint{URI: d.uri}, nil
}

// withDomainEndpoint presigns against https://<domain> instead of the S3
// endpoint.
func withDomainEndpoint(domain string) func(*s3.PresignOptions) {
	endpoint := domainEndpoint{uri: url.URL{Scheme: "https", Host: domain}}
	return func(o *s3.PresignOptions) {
		o.ClientOptions = append(o.ClientOptions, func(so *s3.Options) {
			so.EndpointResolverV2 = endpoint
		})
	}
}

// withTorrentSubresource adds the torrent subresource to the request before
// it is signed.
func withTorrentSubresource(o *s3.PresignOptions) {
	o.ClientOptions = append(o.ClientOptions, func(so *s3.Options) {
		so.APIOptions = append(so.APIOptions, addTorrentQuery)
	})
}

func addTorrentQuery(stack *middleware.Stack) error {
	return stack.Build.Add(middleware.BuildMiddlewareFunc("TorrentSubresource",
		func(ctx context.Context, in middleware.BuildInput, next middleware.BuildHandler) (middleware.BuildOutput, middleware.Metadata, error) {
			if req, ok := in.Request.(*smithyhttp.Request); ok {
				q := req.URL.Query()
				q.Set("torrent", "")
				req.URL.RawQuery = q.Encode()
			}
			return next.HandleBuild(ctx, in)
		}), middleware.After)
}

func presignLifetime(expiry, now time.Time) (time.Duration, error) {
	lifetime := expiry.Sub(now)
	switch {
	case lifetime <= 0:
		return 0, errors.New("expiry is in the past")
	case lifetime > MaxPresignLifetime:
		return 0, fmt.Errorf("expiry %s exceeds the maximum presign lifetime of %s", lifetime, MaxPresignLifetime)
	}
	return lifetime, nil
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

var _ resolver.ObjectURLBackend = (*S3)(nil)
