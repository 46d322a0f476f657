package metacache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
)

// fakeClock is a settable clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingLayer returns err from every operation.
type failingLayer struct {
	err error
}

func (f *failingLayer) Name() string { return "failing" }
func (f *failingLayer) Get(ctx context.Context, key string) (Entry, bool, error) {
	return Entry{}, false, f.err
}
func (f *failingLayer) Set(ctx context.Context, e Entry) error        { return f.err }
func (f *failingLayer) Delete(ctx context.Context, key string) error { return f.err }
func (f *failingLayer) Close() error                                 { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(fast, shared Layer, clock *fakeClock) *Cache {
	return New(fast, shared, WithClock(clock.Now), WithLogger(quietLogger()))
}

func TestStoreAndLookup(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(NewMemoryLayer(), NewMemoryLayer(), clock)

	stat := Stat{Size: 42, ContentType: "image/jpeg"}
	c.Store(ctx, "media/a.jpg", true, stat, 60)

	e, ok := c.Lookup(ctx, "media/a.jpg")
	if !ok {
		t.Fatal("expected hit after Store")
	}
	if !e.Exists {
		t.Error("Exists = false, want true")
	}
	if e.Stat.Size != 42 || e.Stat.ContentType != "image/jpeg" {
		t.Errorf("Stat = %+v, want size 42 image/jpeg", e.Stat)
	}
	if want := clock.Now().Add(60 * time.Second); !e.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", e.ExpiresAt, want)
	}
}

func TestNegativeResultIsCached(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(NewMemoryLayer(), nil, clock)

	c.Store(ctx, "media/missing.jpg", false, Stat{}, 60)

	e, ok := c.Lookup(ctx, "media/missing.jpg")
	if !ok {
		t.Fatal("expected cached negative result")
	}
	if e.Exists {
		t.Error("Exists = true, want false")
	}
}

func TestStoreZeroTTLBypassesCache(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	fast := NewMemoryLayer()
	shared := NewMemoryLayer()
	c := newTestCache(fast, shared, clock)

	for _, ttl := range []int{0, -5} {
		c.Store(ctx, "media/a.jpg", true, Stat{Size: 1}, ttl)
	}

	if fast.Len() != 0 || shared.Len() != 0 {
		t.Errorf("layers hold %d/%d entries, want 0/0", fast.Len(), shared.Len())
	}
	if _, ok := c.Lookup(ctx, "media/a.jpg"); ok {
		t.Error("expected miss with caching disabled")
	}
}

func TestLookupExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		advance time.Duration
		wantHit bool
	}{
		{"well before expiry", 10 * time.Second, true},
		{"one second before expiry", 59 * time.Second, true},
		{"exactly at expiry", 60 * time.Second, false},
		{"one second after expiry", 61 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			fast := NewMemoryLayer()
			c := newTestCache(fast, nil, clock)

			c.Store(ctx, "media/a.jpg", true, Stat{Size: 1}, 60)
			clock.Advance(tt.advance)

			_, ok := c.Lookup(ctx, "media/a.jpg")
			if ok != tt.wantHit {
				t.Errorf("Lookup hit = %v, want %v", ok, tt.wantHit)
			}
			if !tt.wantHit && fast.Len() != 0 {
				t.Errorf("expired entry not evicted: %d entries remain", fast.Len())
			}
		})
	}
}

func TestSharedHitBackfillsFast(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	fast := NewMemoryLayer()
	shared := NewMemoryLayer()

	// Another process populated the shared layer.
	_ = shared.Set(ctx, Entry{
		Key:       "media/a.jpg",
		Exists:    true,
		Stat:      Stat{Size: 7},
		ExpiresAt: clock.Now().Add(time.Minute),
	})

	c := newTestCache(fast, shared, clock)
	e, ok := c.Lookup(ctx, "media/a.jpg")
	if !ok || e.Stat.Size != 7 {
		t.Fatalf("Lookup = %+v, %v; want size 7 hit", e, ok)
	}

	if _, ok, _ := fast.Get(ctx, "media/a.jpg"); !ok {
		t.Error("shared hit was not backfilled into the fast layer")
	}
}

func TestFailingLayerIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	shared := NewMemoryLayer()
	c := newTestCache(&failingLayer{err: errors.New("connection refused")}, shared, clock)

	c.Store(ctx, "media/a.jpg", true, Stat{Size: 3}, 60)

	e, ok := c.Lookup(ctx, "media/a.jpg")
	if !ok || e.Stat.Size != 3 {
		t.Fatalf("Lookup = %+v, %v; want hit from shared layer", e, ok)
	}

	// Both layers failing degrades to a miss, never a panic or error.
	broken := newTestCache(&failingLayer{err: errors.New("down")}, &failingLayer{err: errors.New("down")}, clock)
	broken.Store(ctx, "media/a.jpg", true, Stat{}, 60)
	if _, ok := broken.Lookup(ctx, "media/a.jpg"); ok {
		t.Error("expected miss when every layer fails")
	}
	broken.Invalidate(ctx, "media/a.jpg")
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	fast := NewMemoryLayer()
	shared := NewMemoryLayer()
	c := newTestCache(fast, shared, clock)

	c.Store(ctx, "media/a.jpg", true, Stat{Size: 1}, 60)
	c.Invalidate(ctx, "media/a.jpg")

	if _, ok := c.Lookup(ctx, "media/a.jpg"); ok {
		t.Error("expected miss after Invalidate")
	}
	if fast.Len() != 0 || shared.Len() != 0 {
		t.Errorf("layers hold %d/%d entries after Invalidate", fast.Len(), shared.Len())
	}
}

func TestDisabledCache(t *testing.T) {
	ctx := context.Background()
	c := Disabled()
	c.Store(ctx, "media/a.jpg", true, Stat{}, 60)
	if _, ok := c.Lookup(ctx, "media/a.jpg"); ok {
		t.Error("disabled cache must always miss")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// layerRoundTrip exercises Set/Get/Delete on a single layer.
func layerRoundTrip(t *testing.T, l Layer) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := l.Get(ctx, "media/none.jpg"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v; want miss", ok, err)
	}

	want := Entry{
		Key:       "media/a.jpg",
		Exists:    true,
		Stat:      Stat{Size: 99, ETag: `"abc"`, StorageClass: "REDUCED_REDUNDANCY"},
		ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second),
	}
	if err := l.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := l.Get(ctx, "media/a.jpg")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v; want hit", ok, err)
	}
	if got.Stat != want.Stat || got.Exists != want.Exists || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	if err := l.Delete(ctx, "media/a.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := l.Get(ctx, "media/a.jpg"); ok {
		t.Error("entry still present after Delete")
	}
	// Deleting a missing key is not an error.
	if err := l.Delete(ctx, "media/a.jpg"); err != nil {
		t.Errorf("Delete(missing): %v", err)
	}
}

func TestFastLayer(t *testing.T) {
	l, err := NewFastLayer(context.Background(), FastConfig{Shards: 16, LifeWindow: time.Hour})
	if err != nil {
		t.Fatalf("NewFastLayer: %v", err)
	}
	defer l.Close()
	layerRoundTrip(t, l)
}

func TestMemoryLayer(t *testing.T) {
	layerRoundTrip(t, NewMemoryLayer())
}

func TestSQLiteLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "meta.db")
	l, err := NewSQLiteLayer(path)
	if err != nil {
		t.Fatalf("NewSQLiteLayer: %v", err)
	}
	defer l.Close()
	layerRoundTrip(t, l)
}

func TestSQLiteLayerPurge(t *testing.T) {
	ctx := context.Background()
	l, err := NewSQLiteLayer(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("NewSQLiteLayer: %v", err)
	}
	defer l.Close()

	now := time.Unix(1_700_000_000, 0)
	_ = l.Set(ctx, Entry{Key: "old", ExpiresAt: now.Add(-time.Second)})
	_ = l.Set(ctx, Entry{Key: "new", ExpiresAt: now.Add(time.Minute)})

	n, err := l.Purge(ctx, now)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("Purge removed %d rows, want 1", n)
	}
	if _, ok, _ := l.Get(ctx, "new"); !ok {
		t.Error("live entry removed by Purge")
	}
}

func TestRedisLayer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLayer(client, "test:")
	defer l.Close()

	layerRoundTrip(t, l)

	ctx := context.Background()
	_ = l.Set(ctx, Entry{Key: "media/b.jpg", Exists: true, ExpiresAt: time.Now().Add(30 * time.Second)})
	if !mr.Exists("test:media/b.jpg") {
		t.Fatal("key not written with prefix")
	}
	if ttl := mr.TTL("test:media/b.jpg"); ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("redis TTL = %v, want (0, 30s]", ttl)
	}

	// Already-expired entries are never written.
	_ = l.Set(ctx, Entry{Key: "media/c.jpg", ExpiresAt: time.Now().Add(-time.Second)})
	if mr.Exists("test:media/c.jpg") {
		t.Error("expired entry was written to redis")
	}
}

func TestRedisLayerUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLayer(client, "test:")
	defer l.Close()
	mr.Close()

	clock := &fakeClock{now: time.Now()}
	c := newTestCache(NewMemoryLayer(), l, clock)
	c.Store(context.Background(), "media/a.jpg", true, Stat{Size: 5}, 60)
	if _, ok := c.Lookup(context.Background(), "media/a.jpg"); !ok {
		t.Error("fast layer should still serve when redis is down")
	}
}

// mockDynamoDB implements DynamoDBAPI with an in-memory map.
type mockDynamoDB struct {
	items map[string]map[string]types.AttributeValue
	err   error
}

func newMockDynamoDB() *mockDynamoDB {
	return &mockDynamoDB{items: make(map[string]map[string]types.AttributeValue)}
}

func pkOf(key map[string]types.AttributeValue) string {
	return key["pk"].(*types.AttributeValueMemberS).Value
}

func (m *mockDynamoDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &dynamodb.GetItemOutput{Item: m.items[pkOf(params.Key)]}, nil
}

func (m *mockDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.items[pkOf(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	delete(m.items, pkOf(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoDBLayer(t *testing.T) {
	mock := newMockDynamoDB()
	l := NewDynamoDBLayerWithClient(mock, "metadata-cache")
	layerRoundTrip(t, l)

	expires := time.Unix(1_800_000_000, 0)
	_ = l.Set(context.Background(), Entry{Key: "media/a.jpg", ExpiresAt: expires})
	item, ok := mock.items["META#media/a.jpg"]
	if !ok {
		t.Fatal("item not stored under META# partition key")
	}
	n := item["expires_at"].(*types.AttributeValueMemberN).Value
	if n != strconv.FormatInt(expires.Unix(), 10) {
		t.Errorf("expires_at = %s, want %d", n, expires.Unix())
	}
}

func TestDynamoDBLayerError(t *testing.T) {
	mock := newMockDynamoDB()
	mock.err = errors.New("throttled")
	l := NewDynamoDBLayerWithClient(mock, "metadata-cache")

	if _, _, err := l.Get(context.Background(), "k"); err == nil {
		t.Error("expected error from Get")
	}
	if err := l.Set(context.Background(), Entry{Key: "k", ExpiresAt: time.Now().Add(time.Minute)}); err == nil {
		t.Error("expected error from Set")
	}
}

func TestDynamoDBLayerRequiresTable(t *testing.T) {
	if _, err := NewDynamoDBLayer(context.Background(), "", "us-east-1", ""); err == nil {
		t.Error("expected error for empty table name")
	}
}
