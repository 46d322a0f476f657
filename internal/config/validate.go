package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	s3err "github.com/amazons3/amazons3/internal/errors"
	"github.com/amazons3/amazons3/internal/pathrule"
)

// Validate checks settings that can be verified without compiling rules or
// contacting any backend. Rule patterns are validated when the delivery
// policy is built.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "s3", "gcs", "memory":
	default:
		return &s3err.ConfigurationError{Field: "storage.backend", Value: c.Storage.Backend, Err: errors.New("unknown backend")}
	}
	if c.Storage.Bucket == "" {
		return s3err.NewConfigurationError("storage.bucket", errors.New("bucket is required"))
	}
	for i, b := range c.Storage.ServedBuckets {
		if strings.TrimSpace(b) == "" || strings.Contains(b, "/") {
			return &s3err.ConfigurationError{Field: "storage.served_buckets", Line: i + 1, Value: b, Err: errors.New("invalid bucket name")}
		}
	}
	if c.Cache.TTLSeconds < 0 {
		return &s3err.ConfigurationError{Field: "cache.ttl_seconds", Value: fmt.Sprint(c.Cache.TTLSeconds), Err: errors.New("must not be negative")}
	}
	switch c.Cache.Shared.Backend {
	case "none", "memory", "sqlite":
	case "redis":
		if c.Cache.Shared.Redis.Addr == "" {
			return s3err.NewConfigurationError("cache.shared.redis.addr", errors.New("address is required"))
		}
	case "dynamodb":
		if c.Cache.Shared.DynamoDB.Table == "" {
			return s3err.NewConfigurationError("cache.shared.dynamodb.table", errors.New("table name is required"))
		}
	default:
		return &s3err.ConfigurationError{Field: "cache.shared.backend", Value: c.Cache.Shared.Backend, Err: errors.New("unknown backend")}
	}
	if err := validateBaseURL(c.Server.BaseURL); err != nil {
		return &s3err.ConfigurationError{Field: "server.base_url", Value: c.Server.BaseURL, Err: err}
	}
	domain := strings.TrimSpace(c.Delivery.Domain)
	if strings.ContainsAny(domain, "/ \t") {
		return &s3err.ConfigurationError{Field: "delivery.domain", Value: c.Delivery.Domain, Err: errors.New("must be a host name without scheme or path")}
	}
	if c.Delivery.CNAME && domain == "" {
		return s3err.NewConfigurationError("delivery.domain", errors.New("a domain is required when cname is enabled"))
	}
	if c.Delivery.CDN.Enabled {
		if c.Delivery.CDN.KeyPairID == "" {
			return s3err.NewConfigurationError("delivery.cdn.key_pair_id", errors.New("CloudFront key pair id is required when the CDN is enabled"))
		}
		if c.Delivery.CDN.PrivateKey == "" && c.Delivery.CDN.PrivateKeyPath == "" {
			return s3err.NewConfigurationError("delivery.cdn.private_key", errors.New("CloudFront private key is required when the CDN is enabled"))
		}
		if domain == "" {
			return s3err.NewConfigurationError("delivery.domain", errors.New("a CDN domain is required when the CDN is enabled"))
		}
	}
	return nil
}

// validateBaseURL requires an absolute http or https URL.
func validateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("an absolute site URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http or https URL")
	}
	return nil
}

// CDNPrivateKey returns the PEM-encoded CloudFront private key, reading
// PrivateKeyPath when no inline key is configured.
func (c *CDNConfig) CDNPrivateKey() ([]byte, error) {
	if c.PrivateKey != "" {
		return []byte(c.PrivateKey), nil
	}
	if c.PrivateKeyPath == "" {
		return nil, s3err.NewConfigurationError("delivery.cdn.private_key", errors.New("no private key configured"))
	}
	data, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, &s3err.ConfigurationError{Field: "delivery.cdn.private_key_path", Value: c.PrivateKeyPath, Err: err}
	}
	return data, nil
}

const presignedTextField = "rules.presigned_text"

// PresignedEntries returns the structured presigned rules followed by the
// legacy text ones. Text lines are validated here so errors name the
// presigned_text key and its line.
func (r *RulesConfig) PresignedEntries() ([]pathrule.PresignedEntry, error) {
	out := append([]pathrule.PresignedEntry(nil), r.Presigned...)
	if r.PresignedText == "" {
		return out, nil
	}
	text, err := pathrule.ParsePresignedText(presignedTextField, r.PresignedText)
	if err != nil {
		return nil, err
	}
	return append(out, text...), nil
}
