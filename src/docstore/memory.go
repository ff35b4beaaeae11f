package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
)

// MemoryStore 内存存储实现，主要用于测试和一次性运行
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*memoryCollection),
	}
}

// CreateCollection 创建集合
func (s *MemoryStore) CreateCollection(ctx context.Context, name string, opts CreateOptions) (Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[name]; exists {
		return nil, ErrCollectionExists
	}
	coll := &memoryCollection{
		name:    name,
		docs:    make(map[string][]byte),
		indexes: make(map[string]struct{}),
	}
	s.collections[name] = coll
	return coll, nil
}

// ListCollectionNames 列出所有集合名称
func (s *MemoryStore) ListCollectionNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Collection 获取集合句柄
func (s *MemoryStore) Collection(ctx context.Context, name string) (Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, exists := s.collections[name]
	if !exists {
		return nil, ErrCollectionNotFound
	}
	return coll, nil
}

// Close 关闭存储
func (s *MemoryStore) Close() error {
	return nil
}

// memoryCollection 内存集合，文档以序列化形式保存避免共享可变状态
type memoryCollection struct {
	name    string
	mu      sync.RWMutex
	docs    map[string][]byte
	indexes map[string]struct{}
}

func (c *memoryCollection) Name() string {
	return c.name
}

func (c *memoryCollection) UpsertByID(ctx context.Context, id string, doc Document) error {
	b, err := Marshal(doc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[id] = b
	return nil
}

func (c *memoryCollection) InsertByID(ctx context.Context, id string, doc Document) error {
	b, err := Marshal(doc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.docs[id]; exists {
		return ErrDuplicateKey
	}
	c.docs[id] = b
	return nil
}

func (c *memoryCollection) FindOneByID(ctx context.Context, id string) (Document, error) {
	c.mu.RLock()
	b, exists := c.docs[id]
	c.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	return Unmarshal(b)
}

func (c *memoryCollection) FindOneByField(ctx context.Context, path, value string) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// 确定性遍历，便于测试断言
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if gjson.GetBytes(c.docs[id], path).String() == value {
			return Unmarshal(c.docs[id])
		}
	}
	return nil, nil
}

func (c *memoryCollection) CountDocuments(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.docs)), nil
}

func (c *memoryCollection) EnsureIndex(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes[path] = struct{}{}
	return nil
}
