package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/docmigrate/docmigrate/src/docstore"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound schema 版本行不存在错误
	ErrNotFound = errors.New("schema version not found")
)

// CollectionName schema 版本行所在的集合名
const CollectionName = "schema_version"

// EnsureCollection 确保命名资源存在并返回其句柄，幂等。
// 已存在时直接返回现有资源；创建与并发创建竞争时回退到查询。
func EnsureCollection(ctx context.Context, store docstore.Store, name string, opts docstore.CreateOptions) (docstore.Collection, error) {
	coll, err := store.Collection(ctx, name)
	if err == nil {
		return coll, nil
	}
	if !errors.Is(err, docstore.ErrCollectionNotFound) {
		return nil, err
	}

	coll, err = store.CreateCollection(ctx, name, opts)
	if errors.Is(err, docstore.ErrCollectionExists) {
		// 与其他进程的创建竞争，资源此刻已存在
		return store.Collection(ctx, name)
	}
	return coll, err
}

// VersionStore SchemaVersion 行的持久化
type VersionStore struct {
	store  docstore.Store
	coll   docstore.Collection
	logger *logrus.Entry
}

// NewVersionStore 创建版本行存储，确保底层集合存在
func NewVersionStore(ctx context.Context, store docstore.Store) (*VersionStore, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	coll, err := EnsureCollection(ctx, store, CollectionName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure schema version collection: %w", err)
	}
	return &VersionStore{
		store:  store,
		coll:   coll,
		logger: logrus.WithField("collection", CollectionName),
	}, nil
}

// FindByID 按 id 查找版本行，不存在时返回 (nil, nil)
func (s *VersionStore) FindByID(ctx context.Context, id string) (*SchemaVersion, error) {
	doc, err := s.coll.FindOneByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return FromDocument(doc), nil
}

// GetByID 按 id 获取版本行，不存在时返回 ErrNotFound
func (s *VersionStore) GetByID(ctx context.Context, id string) (*SchemaVersion, error) {
	v, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v, nil
}

// Upsert 持久化整行（id、semver、lock），last-write-wins
func (s *VersionStore) Upsert(ctx context.Context, v *SchemaVersion) error {
	if v == nil || v.ID == "" {
		return errors.New("schema version id cannot be empty")
	}
	if err := s.coll.UpsertByID(ctx, v.ID, v.Document()); err != nil {
		return fmt.Errorf("failed to upsert schema version %s: %w", v.ID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"schema_id": v.ID,
		"semver":    v.Semver,
		"lock":      v.Lock,
	}).Debug("schema version upserted")
	return nil
}
