package migration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/docmigrate/docmigrate/src/docstore"
	"github.com/docmigrate/docmigrate/src/metrics"
	"github.com/docmigrate/docmigrate/src/schema"
)

// DefaultPollInterval 等待锁释放时的默认轮询间隔
const DefaultPollInterval = time.Second

// Params EnsureSchema 的入参
type Params struct {
	// Store 文档存储句柄（必填）
	Store docstore.Store
	// ResourceName 底层资源名称（必填）
	ResourceName string
	// SchemaID schema 逻辑标识，与资源名不同（必填）
	SchemaID string
	// TargetVersion 本次运行要求的目标版本（必填，语义化版本）
	TargetVersion string
	// Source 脚本发现接口，nil 时不执行任何脚本
	Source Source
	// IndexFn 应用于最终资源句柄的建索引回调，必须幂等
	IndexFn ResourceFunc
	// SeedFn 应用于最终资源句柄的种子数据回调，必须幂等
	SeedFn ResourceFunc
	// CreateOptions 创建资源时原样透传的选项
	CreateOptions docstore.CreateOptions
}

// Coordinator 迁移协调器。
// 判定 引导 / 无操作 / 迁移 / 等待 四种状态并驱动脚本执行与锁管理
type Coordinator struct {
	lockToken    string
	pollInterval time.Duration
}

// Option 协调器可选配置
type Option func(*Coordinator)

// WithPollInterval 设置等待锁释放时的轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewCoordinator 创建迁移协调器。
// lockToken 由调用方通过 schema.FormatLock 显式构造，不从进程环境推导
func NewCoordinator(lockToken string, opts ...Option) *Coordinator {
	c := &Coordinator{
		lockToken:    lockToken,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureSchema 确保命名资源存在、完成过初始化，且 schema 版本不低于目标版本。
// 返回可用的资源句柄；资源被其他进程锁定时阻塞等待直到解锁，
// 无内置超时，调用方可通过 ctx 自带截止时间，超时返回错误而不是半成品句柄。
//
// 版本行不存在（ABSENT）是合法状态而非错误，此时走首次引导：
// 两个进程可能同时观察到 ABSENT 并同时引导，该窗口有意不关闭，
// 按 id 的 upsert 在文档层面幂等，IndexFn/SeedFn 必须幂等。
func (c *Coordinator) EnsureSchema(ctx context.Context, p Params) (docstore.Collection, error) {
	// 任何 I/O 之前先做同步校验
	if p.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrMissingArgument)
	}
	if p.ResourceName == "" {
		return nil, fmt.Errorf("%w: resource name", ErrMissingArgument)
	}
	if p.SchemaID == "" {
		return nil, fmt.Errorf("%w: schema id", ErrMissingArgument)
	}
	if p.TargetVersion == "" {
		return nil, fmt.Errorf("%w: target version", ErrMissingArgument)
	}
	target, err := semver.NewVersion(p.TargetVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid target version %q: %w", p.TargetVersion, err)
	}

	logger := logrus.WithFields(logrus.Fields{
		"schema_id":      p.SchemaID,
		"resource":       p.ResourceName,
		"target_version": p.TargetVersion,
	})

	versions, err := schema.NewVersionStore(ctx, p.Store)
	if err != nil {
		return nil, err
	}

	row, err := versions.FindByID(ctx, p.SchemaID)
	if err != nil {
		return nil, err
	}

	// ABSENT：首次引导
	if row == nil {
		return c.bootstrap(ctx, p, versions, logger)
	}

	// 锁非空：其他进程正在引导或迁移，等它解锁后直接查询返回。
	// 引导会先写入 semver=target 再做种子数据，因此即便版本已达标，
	// 带锁返回也可能暴露半成品资源，必须等待
	if row.Locked() {
		if err := c.waitForUnlock(ctx, versions, p.SchemaID, row.Lock, logger); err != nil {
			return nil, err
		}
		return p.Store.Collection(ctx, p.ResourceName)
	}

	current, err := semver.NewVersion(row.Semver)
	if err != nil {
		return nil, fmt.Errorf("invalid stored schema version %q for %s: %w", row.Semver, p.SchemaID, err)
	}

	// CURRENT：版本已达标且未上锁，零写入、零脚本调用
	if !current.LessThan(target) {
		logger.WithField("semver", row.Semver).Debug("schema is up to date")
		return p.Store.Collection(ctx, p.ResourceName)
	}

	// STALE_UNLOCKED：执行迁移
	return c.migrate(ctx, p, versions, row, current, target, logger)
}

// bootstrap 首次引导：写入版本行（带锁）、确保资源存在、应用索引与种子回调、解锁
func (c *Coordinator) bootstrap(ctx context.Context, p Params, versions *schema.VersionStore, logger *logrus.Entry) (docstore.Collection, error) {
	row := &schema.SchemaVersion{
		ID:     p.SchemaID,
		Semver: p.TargetVersion,
		Lock:   c.lockToken,
	}
	if err := versions.Upsert(ctx, row); err != nil {
		return nil, err
	}

	logger.WithField("lock", c.lockToken).Info("bootstrapping schema")

	// 资源可能在本系统接管前就已存在（遗留资源），此时直接对现有资源应用回调
	coll, err := schema.EnsureCollection(ctx, p.Store, p.ResourceName, p.CreateOptions)
	if err != nil {
		return nil, err
	}
	if err := c.applyResourceFuncs(ctx, coll, p); err != nil {
		return nil, err
	}

	row.Lock = ""
	if err := versions.Upsert(ctx, row); err != nil {
		return nil, err
	}

	metrics.BootstrapsTotal.WithLabelValues(p.SchemaID).Inc()
	logger.WithField("semver", row.Semver).Info("schema bootstrap completed")
	return coll, nil
}

// migrate 对 STALE_UNLOCKED 的 schema 执行待运行脚本
func (c *Coordinator) migrate(ctx context.Context, p Params, versions *schema.VersionStore, row *schema.SchemaVersion, current, target *semver.Version, logger *logrus.Entry) (docstore.Collection, error) {
	pending, err := c.pendingScripts(p, current, target)
	if err != nil {
		return nil, err
	}

	// 没有待运行脚本时完全跳过加锁
	if len(pending) == 0 {
		coll, err := p.Store.Collection(ctx, p.ResourceName)
		if err != nil {
			return nil, err
		}
		if err := c.applyResourceFuncs(ctx, coll, p); err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"from_version": row.Semver,
		}).Info("no pending migration scripts")
		return coll, nil
	}

	// 加锁
	row.Lock = c.lockToken
	if err := versions.Upsert(ctx, row); err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"from_version": row.Semver,
		"lock":         c.lockToken,
		"script_count": len(pending),
	}).Info("schema lock acquired, running migration scripts")

	// 脚本共享同一个版本对象，可自行推进 Semver；
	// 协调器不强制每个脚本递增版本，脚本留下什么版本就持久化什么版本，
	// 一个脚本都没改时回落为目标版本
	fromVersion := row.Semver
	var final docstore.Collection

	for _, entry := range pending {
		script, err := entry.Handle.Load()
		if err != nil {
			// 加载失败与执行失败同样处理：锁保持持有，人工恢复
			metrics.MigrationsTotal.WithLabelValues(p.SchemaID, "error").Inc()
			return nil, fmt.Errorf("%w: load script %s: %v", ErrMigrationFailed, entry.Version, err)
		}

		logger.WithField("script_version", entry.Version).Debug("executing migration script")
		start := time.Now()
		coll, err := script(ctx, p.Store, p.ResourceName, versions, row)
		metrics.ScriptDurationSeconds.WithLabelValues(p.SchemaID).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.MigrationsTotal.WithLabelValues(p.SchemaID, "error").Inc()
			logger.WithError(err).WithField("script_version", entry.Version).
				Error("migration script failed, lock left held for manual recovery")
			return nil, fmt.Errorf("%w: script %s: %v", ErrMigrationFailed, entry.Version, err)
		}
		if coll != nil {
			final = coll
		}
	}

	// 最终句柄取最后一个脚本的返回值，脚本都没返回时重新查询
	if final == nil {
		final, err = p.Store.Collection(ctx, p.ResourceName)
		if err != nil {
			return nil, err
		}
	}
	if err := c.applyResourceFuncs(ctx, final, p); err != nil {
		return nil, err
	}

	// 解锁并持久化最终版本
	if row.Semver == fromVersion {
		row.Semver = p.TargetVersion
	}
	row.Lock = ""
	if err := versions.Upsert(ctx, row); err != nil {
		return nil, err
	}

	metrics.MigrationsTotal.WithLabelValues(p.SchemaID, "ok").Inc()
	logger.WithFields(logrus.Fields{
		"from_version": fromVersion,
		"to_version":   row.Semver,
		"script_count": len(pending),
	}).Info("schema migration completed")
	return final, nil
}

// pendingScripts 计算待运行脚本：标签严格大于当前版本且不超过目标版本，
// 按语义化版本优先级升序（预发布标签排在对应正式版本之前）。
// 相同标签保持注册顺序（稳定排序）
func (c *Coordinator) pendingScripts(p Params, current, target *semver.Version) ([]Entry, error) {
	if p.Source == nil {
		return nil, nil
	}
	entries, err := p.Source.List(p.SchemaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list migration scripts for %s: %w", p.SchemaID, err)
	}

	type taggedEntry struct {
		version *semver.Version
		entry   Entry
	}
	pending := make([]taggedEntry, 0, len(entries))
	for _, e := range entries {
		v, err := semver.NewVersion(e.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid migration script version %q for %s: %w", e.Version, p.SchemaID, err)
		}
		if v.GreaterThan(current) && !v.GreaterThan(target) {
			pending = append(pending, taggedEntry{version: v, entry: e})
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].version.LessThan(pending[j].version)
	})

	result := make([]Entry, 0, len(pending))
	for _, t := range pending {
		result = append(result, t.entry)
	}
	return result, nil
}

// waitForUnlock 按固定间隔轮询版本行直到锁为空。
// 无内置超时：卡死的持锁者会让等待者永久阻塞，除非调用方通过 ctx 设定截止时间
func (c *Coordinator) waitForUnlock(ctx context.Context, versions *schema.VersionStore, schemaID, holder string, logger *logrus.Entry) error {
	logger.WithFields(logrus.Fields{
		"lock":          holder,
		"poll_interval": c.pollInterval.String(),
	}).Info("schema locked by another process, waiting")

	start := time.Now()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for schema lock on %s: %w", schemaID, ctx.Err())
		case <-ticker.C:
			row, err := versions.FindByID(ctx, schemaID)
			if err != nil {
				return err
			}
			if row == nil || !row.Locked() {
				waited := time.Since(start)
				metrics.LockWaitSeconds.WithLabelValues(schemaID).Observe(waited.Seconds())
				logger.WithField("waited", waited.String()).Info("schema lock cleared")
				return nil
			}
		}
	}
}

// applyResourceFuncs 按 索引 → 种子 的顺序应用资源回调
func (c *Coordinator) applyResourceFuncs(ctx context.Context, coll docstore.Collection, p Params) error {
	if p.IndexFn != nil {
		if err := p.IndexFn(ctx, coll); err != nil {
			return fmt.Errorf("index function failed for %s: %w", p.ResourceName, err)
		}
	}
	if p.SeedFn != nil {
		if err := p.SeedFn(ctx, coll); err != nil {
			return fmt.Errorf("seed function failed for %s: %w", p.ResourceName, err)
		}
	}
	return nil
}
