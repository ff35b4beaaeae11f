package migration

import (
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
)

// Registry 脚本注册表，按 schema 标识管理显式注册的迁移脚本。
// 实现 Source，可整体替换为其他发现方式（例如测试用的内联列表）
type Registry struct {
	mu      sync.RWMutex
	scripts map[string][]Entry
}

// 全局脚本注册表
var globalRegistry = NewRegistry()

// NewRegistry 创建脚本注册表
func NewRegistry() *Registry {
	return &Registry{
		scripts: make(map[string][]Entry),
	}
}

// DefaultRegistry 返回全局脚本注册表
func DefaultRegistry() *Registry {
	return globalRegistry
}

// Register 向全局注册表注册迁移脚本
func Register(schemaID, version string, script Script) error {
	return globalRegistry.Register(schemaID, version, script)
}

// MustRegister 向全局注册表注册迁移脚本，失败时panic
func MustRegister(schemaID, version string, script Script) {
	if err := Register(schemaID, version, script); err != nil {
		panic(fmt.Sprintf("failed to register migration script: %v", err))
	}
}

// Register 注册迁移脚本
func (r *Registry) Register(schemaID, version string, script Script) error {
	if schemaID == "" {
		return fmt.Errorf("schema id cannot be empty")
	}
	if script == nil {
		return fmt.Errorf("script cannot be nil")
	}
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("invalid script version %q: %w", version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 同一 schema 下的重复版本标签属于配置错误，这里仅告警不拒绝，
	// 两个脚本都会按注册顺序执行
	for _, e := range r.scripts[schemaID] {
		if e.Version == version {
			logrus.WithFields(logrus.Fields{
				"schema_id": schemaID,
				"version":   version,
			}).Warn("duplicate migration script version registered")
			break
		}
	}

	r.scripts[schemaID] = append(r.scripts[schemaID], Entry{
		Version: version,
		Handle:  scriptHandle{script: script},
	})
	return nil
}

// List 返回 schema 标识下注册的全部脚本条目（注册顺序）
func (r *Registry) List(schemaID string) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, len(r.scripts[schemaID]))
	copy(entries, r.scripts[schemaID])
	return entries, nil
}

// scriptHandle 内存注册脚本的句柄
type scriptHandle struct {
	script Script
}

// Load 加载脚本
func (h scriptHandle) Load() (Script, error) {
	if h.script == nil {
		return nil, fmt.Errorf("script handle is empty")
	}
	return h.script, nil
}
