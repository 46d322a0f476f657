package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLayer is a shared layer backed by redis. Entries are written with a
// native TTL so redis evicts them even if nobody reads them again.
type RedisLayer struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLayer creates a RedisLayer over an existing client. Keys are
// namespaced with prefix.
func NewRedisLayer(client redis.UniversalClient, prefix string) *RedisLayer {
	return &RedisLayer{client: client, prefix: prefix, now: time.Now}
}

// DialRedis connects to a single redis server and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return client, nil
}

// Name implements Layer.
func (r *RedisLayer) Name() string { return "redis" }

func (r *RedisLayer) key(key string) string { return r.prefix + key }

// Get implements Layer.
func (r *RedisLayer) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	return e, true, nil
}

// Set implements Layer. Entries that are already expired are not written.
func (r *RedisLayer) Set(ctx context.Context, e Entry) error {
	ttl := e.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	return r.client.Set(ctx, r.key(e.Key), data, ttl).Err()
}

// Delete implements Layer.
func (r *RedisLayer) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Close implements Layer.
func (r *RedisLayer) Close() error {
	return r.client.Close()
}

var _ Layer = (*RedisLayer)(nil)
