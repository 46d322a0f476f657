// Package config handles loading and parsing of amazons3 configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/amazons3/amazons3/internal/pathrule"
)

// Config is the top-level configuration for amazons3.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Storage       StorageConfig       `yaml:"storage"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Cache         CacheConfig         `yaml:"cache"`
	Rules         RulesConfig         `yaml:"rules"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// BaseURL is the absolute site URL used to build derivative-image
	// URLs (e.g. "https://www.example.com").
	BaseURL string `yaml:"base_url"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig toggles the metrics and health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	// Backend is the object store type: "s3", "gcs" or "memory".
	Backend string `yaml:"backend"`
	// Bucket is the default bucket used when a URI names none.
	Bucket string `yaml:"bucket"`
	// ServedBuckets lists buckets besides Bucket that the HTTP endpoints
	// may resolve, stat and redirect to. Any other bucket is a 404.
	ServedBuckets []string `yaml:"served_buckets"`
	Region string `yaml:"region"`
	// Hostname is a custom endpoint for S3-compatible services.
	Hostname     string `yaml:"hostname"`
	UsePathStyle bool   `yaml:"use_path_style"`
	// AccessKey and SecretKey are the credential reference. When empty the
	// default AWS credential chain is used.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// GCSProject is the GCP project for the GCS backend.
	GCSProject string `yaml:"gcs_project"`
	// GCSCredentialsFile is a service account JSON file. It is also used to
	// sign V4 URLs.
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
	// GCSSignerEmail overrides the service account used for URL signing.
	GCSSignerEmail string `yaml:"gcs_signer_email"`
}

// DeliveryConfig holds URL delivery settings.
type DeliveryConfig struct {
	// Domain is the custom (CNAME or CDN) domain.
	Domain string `yaml:"domain"`
	// CNAME enables serving object URLs from Domain.
	CNAME bool `yaml:"cname"`
	// DefaultACL is the canned ACL applied to writes.
	DefaultACL string    `yaml:"default_acl"`
	CDN        CDNConfig `yaml:"cdn"`
	// DerivativePrefix is the route prefix of the image-derivative
	// generation endpoint.
	DerivativePrefix string `yaml:"derivative_prefix"`
}

// CDNConfig holds CloudFront signing settings.
type CDNConfig struct {
	Enabled   bool   `yaml:"enabled"`
	KeyPairID string `yaml:"key_pair_id"`
	// PrivateKey is PEM-encoded key material. PrivateKeyPath is read when
	// PrivateKey is empty.
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// CacheConfig holds metadata cache settings.
type CacheConfig struct {
	Enabled    bool              `yaml:"enabled"`
	TTLSeconds int               `yaml:"ttl_seconds"`
	Fast       FastCacheConfig   `yaml:"fast"`
	Shared     SharedCacheConfig `yaml:"shared"`
}

// FastCacheConfig tunes the in-process bigcache layer.
type FastCacheConfig struct {
	Shards             int `yaml:"shards"`
	MaxEntrySize       int `yaml:"max_entry_size"`
	HardMaxCacheSizeMB int `yaml:"hard_max_cache_size_mb"`
}

// SharedCacheConfig selects the shared cache layer.
type SharedCacheConfig struct {
	// Backend is "none", "memory", "redis", "sqlite" or "dynamodb".
	Backend  string              `yaml:"backend"`
	Redis    RedisCacheConfig    `yaml:"redis"`
	SQLite   SQLiteCacheConfig   `yaml:"sqlite"`
	DynamoDB DynamoDBCacheConfig `yaml:"dynamodb"`
}

// RedisCacheConfig holds redis connection settings.
type RedisCacheConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SQLiteCacheConfig holds SQLite cache settings.
type SQLiteCacheConfig struct {
	Path string `yaml:"path"`
}

// DynamoDBCacheConfig holds DynamoDB cache settings.
type DynamoDBCacheConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// RulesConfig holds the four path rule lists. Each list may also be given
// in the legacy text form (one rule per line) through the *_text keys; text
// rules are appended after the structured ones.
type RulesConfig struct {
	ForceDownload         []string                  `yaml:"force_download"`
	ForceDownloadText     string                    `yaml:"force_download_text"`
	Torrent               []string                  `yaml:"torrent"`
	TorrentText           string                    `yaml:"torrent_text"`
	ReducedRedundancy     []string                  `yaml:"reduced_redundancy"`
	ReducedRedundancyText string                    `yaml:"reduced_redundancy_text"`
	Presigned             []pathrule.PresignedEntry `yaml:"presigned"`
	PresignedText         string                    `yaml:"presigned_text"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to amazons3.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "amazons3.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "amazons3.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return Parse(data, cfg)
}

// Parse decodes YAML into a copy of base (or the defaults when base is nil)
// and applies defaults to any field left unset.
func Parse(data []byte, base *Config) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = defaultConfig()
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9080,
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
		Storage: StorageConfig{
			Backend: "s3",
			Region:  "us-east-1",
		},
		Delivery: DeliveryConfig{
			DefaultACL:       "public-read",
			DerivativePrefix: "amazons3/image-derivative",
		},
		Cache: CacheConfig{
			Fast: FastCacheConfig{
				Shards:             256,
				MaxEntrySize:       512,
				HardMaxCacheSizeMB: 64,
			},
			Shared: SharedCacheConfig{
				Backend: "none",
				Redis: RedisCacheConfig{
					Addr:   "127.0.0.1:6379",
					Prefix: "amazons3:meta:",
				},
				SQLite: SQLiteCacheConfig{
					Path: "./data/metadata-cache.db",
				},
			},
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "s3"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Delivery.DefaultACL == "" {
		cfg.Delivery.DefaultACL = "public-read"
	}
	if cfg.Delivery.DerivativePrefix == "" {
		cfg.Delivery.DerivativePrefix = "amazons3/image-derivative"
	}
	if cfg.Cache.Fast.Shards == 0 {
		cfg.Cache.Fast.Shards = 256
	}
	if cfg.Cache.Fast.MaxEntrySize == 0 {
		cfg.Cache.Fast.MaxEntrySize = 512
	}
	if cfg.Cache.Shared.Backend == "" {
		cfg.Cache.Shared.Backend = "none"
	}
	if cfg.Cache.Shared.DynamoDB.Region == "" {
		cfg.Cache.Shared.DynamoDB.Region = cfg.Storage.Region
	}
}
