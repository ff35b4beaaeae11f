package instance

import (
	"context"
	"sync"

	"github.com/bluele/gcache"

	"github.com/docmigrate/docmigrate/src/configs"
	"github.com/docmigrate/docmigrate/src/docstore"
	"github.com/docmigrate/docmigrate/src/migration"
	"github.com/docmigrate/docmigrate/src/schema"
)

// Module 可启动、可关闭的组件
type Module interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)
}

// Instance 进程级依赖容器
type Instance struct {
	WaitGroup   sync.WaitGroup
	Config      *configs.Config
	Cache       gcache.Cache
	Store       docstore.Store
	Versions    *schema.VersionStore
	Coordinator *migration.Coordinator
	Server      Module
}

type instanceKey struct{}

// WithInstance 将依赖容器挂到 context 上
func WithInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, instanceKey{}, inst)
}

// GetInstance 从 context 获取依赖容器，未挂载时返回 nil
func GetInstance(ctx context.Context) *Instance {
	inst, _ := ctx.Value(instanceKey{}).(*Instance)
	return inst
}
