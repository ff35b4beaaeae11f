// Package docstore 提供文档存储契约及内存、SQLite 两种实现
//
// 存储模型刻意保持最小：按名称管理资源（集合），按 id 读写 JSON 文档。
// 不提供跨文档事务，单条 upsert 为 last-write-wins，没有 compare-and-swap 语义。
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrCollectionNotFound 集合不存在错误
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrCollectionExists 集合已存在错误
	ErrCollectionExists = errors.New("collection already exists")
	// ErrDuplicateKey 唯一键冲突错误（两次插入在同一 id 上竞争时由实现抛出）
	ErrDuplicateKey = errors.New("duplicate key")
)

// Document 一条 JSON 文档
type Document map[string]any

// CreateOptions 创建资源时原样透传的选项
type CreateOptions map[string]any

// Store 文档存储接口
type Store interface {
	// CreateCollection 创建命名资源，已存在时返回 ErrCollectionExists
	CreateCollection(ctx context.Context, name string, opts CreateOptions) (Collection, error)
	// ListCollectionNames 列出所有资源名称
	ListCollectionNames(ctx context.Context) ([]string, error)
	// Collection 按名称获取资源句柄，不存在时返回 ErrCollectionNotFound
	Collection(ctx context.Context, name string) (Collection, error)

	// 生命周期
	Close() error
}

// Collection 资源（集合）句柄
type Collection interface {
	// Name 返回资源名称
	Name() string
	// UpsertByID 按 id 写入整条文档，last-write-wins
	UpsertByID(ctx context.Context, id string, doc Document) error
	// InsertByID 按 id 插入文档，id 已存在时返回 ErrDuplicateKey
	InsertByID(ctx context.Context, id string, doc Document) error
	// FindOneByID 按 id 查找文档，不存在时返回 (nil, nil)
	FindOneByID(ctx context.Context, id string) (Document, error)
	// FindOneByField 按字段路径（gjson 语法）查找首个匹配文档，不存在时返回 (nil, nil)
	FindOneByField(ctx context.Context, path, value string) (Document, error)
	// CountDocuments 返回文档总数
	CountDocuments(ctx context.Context) (int64, error)
	// EnsureIndex 确保字段路径上的索引存在，幂等
	EnsureIndex(ctx context.Context, path string) error
}

// Marshal 序列化文档
func Marshal(doc Document) ([]byte, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return b, nil
}

// Unmarshal 反序列化文档
func Unmarshal(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return doc, nil
}
