package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/amazons3/amazons3/internal/config"
	"github.com/amazons3/amazons3/internal/fsadapter"
	"github.com/amazons3/amazons3/internal/metacache"
	"github.com/amazons3/amazons3/internal/objectstore"
	"github.com/amazons3/amazons3/internal/objecturl"
	"github.com/amazons3/amazons3/internal/policy"
	"github.com/amazons3/amazons3/internal/resolver"
	"github.com/amazons3/amazons3/internal/signing"
)

// localCredential signs URLs for the memory backend when no credentials are
// configured. Such URLs are only meaningful against a local S3 emulator.
const localCredential = "amazons3-local"

// app holds the wired components.
type app struct {
	policy   *policy.Policy
	store    objectstore.Store
	cache    *metacache.Cache
	resolver *resolver.Resolver
	adapter  *fsadapter.Adapter
}

// Close releases the cache layers.
func (a *app) Close() error {
	return a.cache.Close()
}

// build wires the store, URL backends, signer, cache and adapter from cfg.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	p, err := policy.New(cfg)
	if err != nil {
		return nil, err
	}

	store, objects, err := buildStorage(ctx, cfg, p, logger)
	if err != nil {
		return nil, err
	}

	var signer resolver.SigningBackend
	if p.CDNEnabled() {
		cf, err := signing.FromConfig(&cfg.Delivery.CDN)
		if err != nil {
			return nil, err
		}
		signer = cf
		logger.Info("CDN signing enabled", "domain", p.Domain(), "key_pair_id", cf.KeyPairID())
	}

	r, err := resolver.New(p, objects, signer, resolver.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	cache, err := buildCache(ctx, cfg, p, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		policy:   p,
		store:    store,
		cache:    cache,
		resolver: r,
		adapter:  fsadapter.New(store, cache, p, r, fsadapter.WithLogger(logger)),
	}, nil
}

// buildStorage creates the object store and the matching URL backend. URL
// backends build and sign against the policy's rewrite domain.
func buildStorage(ctx context.Context, cfg *config.Config, p *policy.Policy, logger *slog.Logger) (objectstore.Store, resolver.ObjectURLBackend, error) {
	sc := cfg.Storage
	urlOpts := objecturl.S3Options{Endpoint: sc.Hostname, UsePathStyle: sc.UsePathStyle, Domain: p.RewriteDomain()}

	switch sc.Backend {
	case "s3":
		client, err := objectstore.NewS3Client(ctx, objectstore.S3ClientConfig{
			Region:          sc.Region,
			Endpoint:        sc.Hostname,
			UsePathStyle:    sc.UsePathStyle,
			AccessKeyID:     sc.AccessKey,
			SecretAccessKey: sc.SecretKey,
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := objectstore.NewS3Store(ctx, client, sc.Bucket)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Storage backend initialized", "backend", "s3", "bucket", sc.Bucket, "region", sc.Region, "hostname", sc.Hostname)
		return store, objecturl.NewS3(client, urlOpts), nil

	case "gcs":
		client, err := objectstore.NewGCSClient(ctx, sc.GCSCredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		store, err := objectstore.NewGCSStore(ctx, client, sc.Bucket)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Storage backend initialized", "backend", "gcs", "bucket", sc.Bucket, "project", sc.GCSProject)
		return store, objecturl.NewGCS(client, objecturl.GCSOptions{SignerEmail: sc.GCSSignerEmail, Domain: p.RewriteDomain()}), nil

	case "memory":
		ak, sk := sc.AccessKey, sc.SecretKey
		if ak == "" || sk == "" {
			ak, sk = localCredential, localCredential
		}
		client := s3.New(s3.Options{
			Region:       sc.Region,
			Credentials:  credentials.NewStaticCredentialsProvider(ak, sk, ""),
			UsePathStyle: sc.UsePathStyle,
		})
		logger.Warn("Using in-memory object store; objects are lost on restart", "bucket", sc.Bucket)
		return objectstore.NewMemoryStore(), objecturl.NewS3(client, urlOpts), nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
}

// buildCache creates the two-layer metadata cache. A disabled cache still
// returns a usable Cache that never stores anything.
func buildCache(ctx context.Context, cfg *config.Config, p *policy.Policy, logger *slog.Logger) (*metacache.Cache, error) {
	if !p.CachingEnabled() || p.CacheTTL() == 0 {
		return metacache.Disabled(), nil
	}
	cc := cfg.Cache

	fast, err := metacache.NewFastLayer(ctx, metacache.FastConfig{
		Shards:             cc.Fast.Shards,
		MaxEntrySize:       cc.Fast.MaxEntrySize,
		HardMaxCacheSizeMB: cc.Fast.HardMaxCacheSizeMB,
		LifeWindow:         2 * p.CacheTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating fast cache layer: %w", err)
	}

	var shared metacache.Layer
	switch cc.Shared.Backend {
	case "", "none":
	case "memory":
		shared = metacache.NewMemoryLayer()
	case "redis":
		client, err := metacache.DialRedis(ctx, cc.Shared.Redis.Addr, cc.Shared.Redis.Password, cc.Shared.Redis.DB)
		if err != nil {
			// Caching is advisory, so the process runs on the fast layer alone.
			logger.Warn("Redis cache unreachable at startup, running without shared layer", "addr", cc.Shared.Redis.Addr, "error", err)
			break
		}
		shared = metacache.NewRedisLayer(client, cc.Shared.Redis.Prefix)
	case "sqlite":
		l, err := metacache.NewSQLiteLayer(cc.Shared.SQLite.Path)
		if err != nil {
			_ = fast.Close()
			return nil, err
		}
		shared = l
	case "dynamodb":
		region := cc.Shared.DynamoDB.Region
		if region == "" {
			region = cfg.Storage.Region
		}
		l, err := metacache.NewDynamoDBLayer(ctx, cc.Shared.DynamoDB.Table, region, cc.Shared.DynamoDB.EndpointURL)
		if err != nil {
			_ = fast.Close()
			return nil, err
		}
		shared = l
	default:
		_ = fast.Close()
		return nil, fmt.Errorf("unknown shared cache backend %q", cc.Shared.Backend)
	}

	logger.Info("Metadata cache initialized", "ttl", p.CacheTTL(), "shared", cc.Shared.Backend)
	return metacache.New(fast, shared, metacache.WithLogger(logger)), nil
}
