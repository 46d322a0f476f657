package objectstore

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	s3err "github.com/amazons3/amazons3/internal/errors"
)

// memObject holds the raw data and attributes of an in-memory object.
type memObject struct {
	Data []byte
	Info ObjectInfo
	ACL  string
}

// MemoryStore implements Store using an in-memory map. It backs the
// "memory" storage backend and the tests of the packages above it.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject // key: "bucket/key"
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

// objectKey builds the map key for an object from its bucket and key.
func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// computeETag returns the quoted MD5 hex digest of data.
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

// Head implements Store.
func (m *MemoryStore) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, s3err.ErrNotFound)
	}
	info := obj.Info
	return &info, nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, in PutInput) (*ObjectInfo, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object data: %w", err)
	}
	info := ObjectInfo{
		Key:          in.Key,
		Size:         int64(len(data)),
		ETag:         computeETag(data),
		ContentType:  in.ContentType,
		LastModified: m.now(),
		StorageClass: in.StorageClass,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey(in.Bucket, in.Key)] = memObject{Data: data, Info: info, ACL: in.ACL}
	return &info, nil
}

// Copy implements Store.
func (m *MemoryStore) Copy(ctx context.Context, in CopyInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.objects[objectKey(in.SrcBucket, in.SrcKey)]
	if !ok {
		return fmt.Errorf("copy source %s/%s: %w", in.SrcBucket, in.SrcKey, s3err.ErrNotFound)
	}
	data := make([]byte, len(src.Data))
	copy(data, src.Data)

	info := src.Info
	info.Key = in.DstKey
	info.LastModified = m.now()
	info.StorageClass = in.StorageClass
	m.objects[objectKey(in.DstBucket, in.DstKey)] = memObject{Data: data, Info: info, ACL: in.ACL}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectKey(bucket, key))
	return nil
}

// ListPrefix implements Store. Results are sorted by key.
func (m *MemoryStore) ListPrefix(ctx context.Context, bucket, prefix string, limit int) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	full := objectKey(bucket, prefix)
	var out []ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, full) {
			out = append(out, obj.Info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HealthCheck implements Store.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Data returns a copy of the stored bytes and the ACL of bucket/key.
func (m *MemoryStore) Data(bucket, key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, "", false
	}
	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	return data, obj.ACL, true
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ Store = (*MemoryStore)(nil)
