package blobstore

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. All buckets share one byte quota; when a put
// would exceed it the least recently used responses are evicted, the way a
// browser reclaims storage under quota pressure.
type Memory struct {
	quota int64 // Maximum size in bytes, 0 means unlimited
	size  int64 // Current size in bytes

	// LRU implementation
	items    map[memoryKey]*list.Element
	eviction *list.List

	mu sync.Mutex

	evictions int64
}

type memoryKey struct {
	bucket string
	path   string
}

type memoryEntry struct {
	key  memoryKey
	resp Response
}

// NewMemory creates a memory store with the given quota in bytes.
func NewMemory(quota int64) *Memory {
	return &Memory{
		quota:    quota,
		items:    make(map[memoryKey]*list.Element),
		eviction: list.New(),
	}
}

// Open returns the bucket called name. Buckets are created on first use.
func (m *Memory) Open(_ context.Context, name string) (Bucket, error) {
	return &memoryBucket{store: m, name: name}, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Size returns the bytes held across all buckets.
func (m *Memory) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Evictions returns how many responses were dropped for quota.
func (m *Memory) Evictions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

func (m *Memory) match(key memoryKey) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Move to front (most recently used)
	m.eviction.MoveToFront(elem)
	entry := elem.Value.(*memoryEntry)

	resp := entry.resp
	resp.Body = append([]byte(nil), entry.resp.Body...)
	return &resp, nil
}

func (m *Memory) put(key memoryKey, resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now()
	}
	resp.Body = append([]byte(nil), resp.Body...)

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}

	// A response larger than the whole quota is silently not kept.
	if m.quota > 0 && resp.Size() > m.quota {
		return
	}

	for m.quota > 0 && m.size+resp.Size() > m.quota && m.eviction.Len() > 0 {
		m.removeElement(m.eviction.Back())
		m.evictions++
	}

	elem := m.eviction.PushFront(&memoryEntry{key: key, resp: resp})
	m.items[key] = elem
	m.size += resp.Size()
}

func (m *Memory) delete(key memoryKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
}

func (m *Memory) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	m.eviction.Remove(elem)
	delete(m.items, entry.key)
	m.size -= entry.resp.Size()
}

type memoryBucket struct {
	store *Memory
	name  string
}

func (b *memoryBucket) Match(_ context.Context, path string) (*Response, error) {
	return b.store.match(memoryKey{bucket: b.name, path: path})
}

func (b *memoryBucket) Put(_ context.Context, path string, resp Response) error {
	b.store.put(memoryKey{bucket: b.name, path: path}, resp)
	return nil
}

func (b *memoryBucket) Delete(_ context.Context, path string) error {
	b.store.delete(memoryKey{bucket: b.name, path: path})
	return nil
}
