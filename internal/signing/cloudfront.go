// Package signing produces CDN-signed URLs.
package signing

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/cloudfront/sign"

	"github.com/amazons3/amazons3/internal/config"
	s3err "github.com/amazons3/amazons3/internal/errors"
)

// CloudFront signs URLs with a CloudFront key pair using a canned policy.
type CloudFront struct {
	keyPairID string
	signer    *sign.URLSigner
}

// NewCloudFront creates a signer from a key pair id and a PEM-encoded PKCS#1
// RSA private key.
func NewCloudFront(keyPairID string, privateKeyPEM []byte) (*CloudFront, error) {
	if keyPairID == "" {
		return nil, s3err.NewConfigurationError("delivery.cdn.key_pair_id", errors.New("key pair id is required"))
	}
	if len(privateKeyPEM) == 0 {
		return nil, s3err.NewConfigurationError("delivery.cdn.private_key", errors.New("private key is required"))
	}
	key, err := sign.LoadPEMPrivKey(bytes.NewReader(privateKeyPEM))
	if err != nil {
		return nil, s3err.NewConfigurationError("delivery.cdn.private_key", fmt.Errorf("loading private key: %w", err))
	}
	return NewCloudFrontWithKey(keyPairID, key), nil
}

// NewCloudFrontWithKey creates a signer from an already parsed key.
func NewCloudFrontWithKey(keyPairID string, key *rsa.PrivateKey) *CloudFront {
	return &CloudFront{
		keyPairID: keyPairID,
		signer:    sign.NewURLSigner(keyPairID, key),
	}
}

// FromConfig creates a signer from the CDN settings, reading the private key
// from disk when only a path is configured.
func FromConfig(cfg *config.CDNConfig) (*CloudFront, error) {
	pem, err := cfg.CDNPrivateKey()
	if err != nil {
		return nil, err
	}
	return NewCloudFront(cfg.KeyPairID, pem)
}

// KeyPairID returns the CloudFront key pair id.
func (c *CloudFront) KeyPairID() string { return c.keyPairID }

// BuildSignedURL signs rawURL so that it is valid until expiry.
func (c *CloudFront) BuildSignedURL(ctx context.Context, rawURL string, expiry time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &s3err.SigningError{Key: rawURL, Err: err}
	}
	signed, err := c.signer.Sign(rawURL, expiry)
	if err != nil {
		return "", &s3err.SigningError{Bucket: u.Host, Key: u.Path, Err: err}
	}
	return signed, nil
}
