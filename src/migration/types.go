// Package migration 提供基于共享文档的 schema 迁移协调器
//
// 协调器用普通的文档读写实现跨进程的咨询互斥：不依赖分布式锁服务，
// 锁只是版本行上的一个归属令牌，读-判-写序列整体上并不原子。
// 首次引导存在一个有意保留的竞争窗口（两个进程可能同时引导），
// 因此索引与种子回调必须幂等；迁移阶段则通过"见锁即等"来关闭竞争。
package migration

import (
	"context"
	"errors"

	"github.com/docmigrate/docmigrate/src/docstore"
	"github.com/docmigrate/docmigrate/src/schema"
)

var (
	// ErrMissingArgument 必填参数缺失错误，在任何 I/O 之前同步校验
	ErrMissingArgument = errors.New("missing required argument")
	// ErrMigrationFailed 迁移脚本执行失败错误。
	// 失败时锁不会被释放，需要人工介入，不做自动重试或回滚
	ErrMigrationFailed = errors.New("migration failed")
)

// Script 一个迁移脚本：针对资源的一次版本转换。
// 协调器不假定脚本幂等，但脚本作者应当按幂等编写：崩溃恢复会重跑同一批脚本。
// 脚本可以修改共享版本对象的 Semver 并返回资源句柄。
type Script func(ctx context.Context, store docstore.Store, resourceName string, versions *schema.VersionStore, version *schema.SchemaVersion) (docstore.Collection, error)

// ResourceFunc 应用于最终资源句柄的回调（建索引、种子数据），必须幂等
type ResourceFunc func(ctx context.Context, coll docstore.Collection) error

// Handle 可加载的脚本句柄
type Handle interface {
	// Load 加载可执行的迁移脚本
	Load() (Script, error)
}

// Entry 脚本发现结果中的一个条目
type Entry struct {
	// Version 脚本的语义化版本标签
	Version string
	// Handle 脚本句柄
	Handle Handle
}

// Source 脚本发现接口。
// 协调器只依赖列出、加载与调用，不关心脚本如何存放与发现
type Source interface {
	// List 返回 schema 标识下注册的全部脚本条目
	List(schemaID string) ([]Entry, error)
}
