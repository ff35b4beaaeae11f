package migration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmigrate/docmigrate/src/docstore"
	"github.com/docmigrate/docmigrate/src/schema"
)

const (
	testSchemaID = "events"
	testResource = "events_v1"
	testToken    = "app@1.0.0@test-host"
)

// countingStore 统计写入次数的存储包装，用于断言零写入快速路径
type countingStore struct {
	docstore.Store
	writes atomic.Int64
}

func (s *countingStore) CreateCollection(ctx context.Context, name string, opts docstore.CreateOptions) (docstore.Collection, error) {
	coll, err := s.Store.CreateCollection(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	s.writes.Add(1)
	return &countingCollection{Collection: coll, writes: &s.writes}, nil
}

func (s *countingStore) Collection(ctx context.Context, name string) (docstore.Collection, error) {
	coll, err := s.Store.Collection(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingCollection{Collection: coll, writes: &s.writes}, nil
}

type countingCollection struct {
	docstore.Collection
	writes *atomic.Int64
}

func (c *countingCollection) UpsertByID(ctx context.Context, id string, doc docstore.Document) error {
	c.writes.Add(1)
	return c.Collection.UpsertByID(ctx, id, doc)
}

func (c *countingCollection) InsertByID(ctx context.Context, id string, doc docstore.Document) error {
	c.writes.Add(1)
	return c.Collection.InsertByID(ctx, id, doc)
}

// putRow 直接写入版本行，模拟已有状态
func putRow(t *testing.T, store docstore.Store, row *schema.SchemaVersion) {
	t.Helper()
	versions, err := schema.NewVersionStore(context.Background(), store)
	require.NoError(t, err)
	require.NoError(t, versions.Upsert(context.Background(), row))
}

// getRow 读取版本行
func getRow(t *testing.T, store docstore.Store, id string) *schema.SchemaVersion {
	t.Helper()
	versions, err := schema.NewVersionStore(context.Background(), store)
	require.NoError(t, err)
	row, err := versions.FindByID(context.Background(), id)
	require.NoError(t, err)
	return row
}

func TestEnsureSchema_MissingArguments(t *testing.T) {
	store := docstore.NewMemoryStore()
	c := NewCoordinator(testToken)

	tests := []struct {
		name   string
		params Params
	}{
		{"无存储句柄", Params{ResourceName: testResource, SchemaID: testSchemaID, TargetVersion: "1.0.0"}},
		{"无资源名", Params{Store: store, SchemaID: testSchemaID, TargetVersion: "1.0.0"}},
		{"无schema标识", Params{Store: store, ResourceName: testResource, TargetVersion: "1.0.0"}},
		{"无目标版本", Params{Store: store, ResourceName: testResource, SchemaID: testSchemaID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.EnsureSchema(context.Background(), tt.params)
			assert.ErrorIs(t, err, ErrMissingArgument)
		})
	}
}

func TestEnsureSchema_InvalidTargetVersion(t *testing.T) {
	c := NewCoordinator(testToken)
	_, err := c.EnsureSchema(context.Background(), Params{
		Store:         docstore.NewMemoryStore(),
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "not-a-version",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid target version")
}

func TestEnsureSchema_Bootstrap(t *testing.T) {
	store := docstore.NewMemoryStore()
	c := NewCoordinator(testToken)

	var indexed, seeded bool
	coll, err := c.EnsureSchema(context.Background(), Params{
		Store:         store,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.2.0",
		IndexFn: func(ctx context.Context, coll docstore.Collection) error {
			indexed = true
			return coll.EnsureIndex(ctx, "kind")
		},
		SeedFn: func(ctx context.Context, coll docstore.Collection) error {
			seeded = true
			return coll.UpsertByID(ctx, "seed", docstore.Document{"kind": "seed"})
		},
	})
	require.NoError(t, err)
	require.NotNil(t, coll)
	assert.Equal(t, testResource, coll.Name())
	assert.True(t, indexed)
	assert.True(t, seeded)

	// 版本行写入目标版本且已解锁
	row := getRow(t, store, testSchemaID)
	require.NotNil(t, row)
	assert.Equal(t, "1.2.0", row.Semver)
	assert.False(t, row.Locked())

	// 种子数据可通过返回的句柄读到
	doc, err := coll.FindOneByID(context.Background(), "seed")
	require.NoError(t, err)
	require.NotNil(t, doc)
}

func TestEnsureSchema_BootstrapOntoExistingResource(t *testing.T) {
	store := docstore.NewMemoryStore()

	// 资源在本系统接管前就已存在且有数据
	legacy, err := store.CreateCollection(context.Background(), testResource, nil)
	require.NoError(t, err)
	require.NoError(t, legacy.InsertByID(context.Background(), "old", docstore.Document{"kind": "legacy"}))

	var seededName string
	c := NewCoordinator(testToken)
	coll, err := c.EnsureSchema(context.Background(), Params{
		Store:         store,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.0.0",
		SeedFn: func(ctx context.Context, coll docstore.Collection) error {
			seededName = coll.Name()
			return nil
		},
	})
	require.NoError(t, err)

	// 回调应用在现有资源上而非新建资源，遗留数据原样可见
	assert.Equal(t, testResource, seededName)
	doc, err := coll.FindOneByID(context.Background(), "old")
	require.NoError(t, err)
	require.NotNil(t, doc)

	row := getRow(t, store, testSchemaID)
	assert.Equal(t, "1.0.0", row.Semver)
	assert.False(t, row.Locked())
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	base := docstore.NewMemoryStore()
	c := NewCoordinator(testToken)
	params := Params{
		Store:         base,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.0.0",
	}

	first, err := c.EnsureSchema(context.Background(), params)
	require.NoError(t, err)

	// 第二次调用走无操作快速路径：零写入
	counting := &countingStore{Store: base}
	params.Store = counting
	second, err := c.EnsureSchema(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, first.Name(), second.Name())
	assert.Equal(t, int64(0), counting.writes.Load())

	row := getRow(t, base, testSchemaID)
	assert.Equal(t, "1.0.0", row.Semver)
	assert.False(t, row.Locked())
}

func TestEnsureSchema_NoopFastPath(t *testing.T) {
	base := docstore.NewMemoryStore()
	_, err := base.CreateCollection(context.Background(), testResource, nil)
	require.NoError(t, err)
	putRow(t, base, &schema.SchemaVersion{ID: testSchemaID, Semver: "1.2.0"})

	registry := NewRegistry()
	var runs atomic.Int64
	require.NoError(t, registry.Register(testSchemaID, "1.1.0", func(ctx context.Context, store docstore.Store, resourceName string, versions *schema.VersionStore, version *schema.SchemaVersion) (docstore.Collection, error) {
		runs.Add(1)
		return nil, nil
	}))

	// 已存储版本高于目标版本：零写入、零脚本调用
	counting := &countingStore{Store: base}
	c := NewCoordinator(testToken)
	coll, err := c.EnsureSchema(context.Background(), Params{
		Store:         counting,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.0.0",
		Source:        registry,
	})
	require.NoError(t, err)
	require.NotNil(t, coll)
	assert.Equal(t, int64(0), counting.writes.Load())
	assert.Equal(t, int64(0), runs.Load())
}

func TestEnsureSchema_Ordering(t *testing.T) {
	store := docstore.NewMemoryStore()
	_, err := store.CreateCollection(context.Background(), testResource, nil)
	require.NoError(t, err)
	putRow(t, store, &schema.SchemaVersion{ID: testSchemaID, Semver: "1.0.0"})

	var mu sync.Mutex
	var executed []string
	record := func(tag string) Script {
		return func(ctx context.Context, store docstore.Store, resourceName string, versions *schema.VersionStore, version *schema.SchemaVersion) (docstore.Collection, error) {
			mu.Lock()
			executed = append(executed, tag)
			mu.Unlock()
			return nil, nil
		}
	}

	// 乱序注册，执行必须按语义化版本优先级升序
	registry := NewRegistry()
	require.NoError(t, registry.Register(testSchemaID, "1.0.1", record("1.0.1")))
	require.NoError(t, registry.Register(testSchemaID, "1.0.3", record("1.0.3")))
	require.NoError(t, registry.Register(testSchemaID, "1.0.2", record("1.0.2")))

	c := NewCoordinator(testToken)
	_, err = c.EnsureSchema(context.Background(), Params{
		Store:         store,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.0.3",
		Source:        registry,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.1", "1.0.2", "1.0.3"}, executed)

	row := getRow(t, store, testSchemaID)
	assert.Equal(t, "1.0.3", row.Semver)
	assert.False(t, row.Locked())
}

func TestEnsureSchema_PrereleaseOrdersBeforeRelease(t *testing.T) {
	store := docstore.NewMemoryStore()
	_, err := store.CreateCollection(context.Background(), testResource, nil)
	require.NoError(t, err)
	putRow(t, store, &schema.SchemaVersion{ID: testSchemaID, Semver: "1.0.0"})

	var mu sync.Mutex
	var executed []string
	record := func(tag string) Script {
		return func(ctx context.Context, store docstore.Store, resourceName string, versions *schema.VersionStore, version *schema.SchemaVersion) (docstore.Collection, error) {
			mu.Lock()
			executed = append(executed, tag)
			mu.Unlock()
			return nil, nil
		}
	}

	registry := NewRegistry()
	require.NoError(t, registry.Register(testSchemaID, "1.1.0", record("1.1.0")))
	require.NoError(t, registry.Register(testSchemaID, "1.1.0-rc.1", record("1.1.0-rc.1")))

	c := NewCoordinator(testToken)
	_, err = c.EnsureSchema(context.Background(), Params{
		Store:         store,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.1.0",
		Source:        registry,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.0-rc.1", "1.1.0"}, executed)
}

func TestEnsureSchema_RangeExclusion(t *testing.T) {
	store := docstore.NewMemoryStore()
	_, err := store.CreateCollection(context.Background(), testResource, nil)
	require.NoError(t, err)
	putRow(t, store, &schema.SchemaVersion{ID: testSchemaID, Semver: "1.0.0"})

	registry := NewRegistry()
	var runs atomic.Int64
	require.NoError(t, registry.Register(testSchemaID, "2.0.0", func(ctx context.Context, store docstore.Store, resourceName string, versions *schema.VersionStore, version *schema.SchemaVersion) (docstore.Collection, error) {
		runs.Add(1)
		return nil, nil
	}))

	// 标签超出目标版本的脚本永不执行
	c := NewCoordinator(testToken)
	_, err = c.EnsureSchema(context.Background(), Params{
		Store:         store,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.9.0",
		Source:        registry,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), runs.Load())

	// 没有待运行脚本时不加锁也不推进版本
	row := getRow(t, store, testSchemaID)
	assert.Equal(t, "1.0.0", row.Semver)
	assert.False(t, row.Locked())
}

func TestEnsureSchema_Monotonicity(t *testing.T) {
	store := docstore.NewMemoryStore()
	c := NewCoordinator(testToken)

	registry := NewRegistry()
	for _, tag := range []string{"1.1.0", "1.2.0"} {
		require.NoError(t, registry.Register(testSchemaID, tag, func(ctx context.Context, store docstore.Store, resourceName string, versions *schema.VersionStore, version *schema.SchemaVersion) (docstore.Collection, error) {
			return nil, nil
		}))
	}

	// 目标版本不减的调用序列下，持久化版本不得回退
	last := ""
	for _, target := range []string{"1.1.0", "1.1.0", "1.2.0", "1.2.0"} {
		_, err := c.EnsureSchema(context.Background(), Params{
			Store:         store,
			ResourceName:  testResource,
			SchemaID:      testSchemaID,
			TargetVersion: target,
			Source:        registry,
		})
		require.NoError(t, err)

		row := getRow(t, store, testSchemaID)
		require.NotNil(t, row)
		if last != "" {
			assert.GreaterOrEqual(t, row.Semver, last)
		}
		last = row.Semver
	}
	assert.Equal(t, "1.2.0", last)
}

func TestEnsureSchema_ScriptFailureKeepsLock(t *testing.T) {
	store := docstore.NewMemoryStore()
	_, err := store.CreateCollection(context.Background(), testResource, nil)
	require.NoError(t, err)
	putRow(t, store, &schema.SchemaVersion{ID: testSchemaID, Semver: "1.0.0"})

	registry := NewRegistry()
	require.NoError(t, registry.Register(testSchemaID, "1.1.0", func(ctx context.Context, store docstore.Store, resourceName string, versions *schema.VersionStore, version *schema.SchemaVersion) (docstore.Collection, error) {
		return nil, errors.New("boom")
	}))

	c := NewCoordinator(testToken)
	_, err = c.EnsureSchema(context.Background(), Params{
		Store:         store,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.1.0",
		Source:        registry,
	})
	require.ErrorIs(t, err, ErrMigrationFailed)

	// 快速失败设计：锁保持持有，版本不推进，等待人工介入
	row := getRow(t, store, testSchemaID)
	assert.True(t, row.Locked())
	assert.Equal(t, testToken, row.Lock)
	assert.Equal(t, "1.0.0", row.Semver)
}

func TestEnsureSchema_ScriptSetsOwnVersion(t *testing.T) {
	store := docstore.NewMemoryStore()
	_, err := store.CreateCollection(context.Background(), testResource, nil)
	require.NoError(t, err)
	putRow(t, store, &schema.SchemaVersion{ID: testSchemaID, Semver: "1.0.0"})

	registry := NewRegistry()
	require.NoError(t, registry.Register(testSchemaID, "1.0.5", func(ctx context.Context, store docstore.Store, resourceName string, versions *schema.VersionStore, version *schema.SchemaVersion) (docstore.Collection, error) {
		// 脚本自行推进版本到自己的标签
		version.Semver = "1.0.5"
		return nil, nil
	}))

	c := NewCoordinator(testToken)
	_, err = c.EnsureSchema(context.Background(), Params{
		Store:         store,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.1.0",
		Source:        registry,
	})
	require.NoError(t, err)

	// 脚本留下的版本被原样持久化，不被强制改写为目标版本
	row := getRow(t, store, testSchemaID)
	assert.Equal(t, "1.0.5", row.Semver)
	assert.False(t, row.Locked())
}

func TestEnsureSchema_LastScriptHandleWins(t *testing.T) {
	store := docstore.NewMemoryStore()
	_, err := store.CreateCollection(context.Background(), testResource, nil)
	require.NoError(t, err)
	putRow(t, store, &schema.SchemaVersion{ID: testSchemaID, Semver: "1.0.0"})

	// 最后一个脚本把数据迁移到了新资源并返回其句柄
	registry := NewRegistry()
	require.NoError(t, registry.Register(testSchemaID, "2.0.0", func(ctx context.Context, store docstore.Store, resourceName string, versions *schema.VersionStore, version *schema.SchemaVersion) (docstore.Collection, error) {
		return store.CreateCollection(ctx, "events_v2", nil)
	}))

	c := NewCoordinator(testToken)
	coll, err := c.EnsureSchema(context.Background(), Params{
		Store:         store,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "2.0.0",
		Source:        registry,
	})
	require.NoError(t, err)
	assert.Equal(t, "events_v2", coll.Name())
}

func TestEnsureSchema_WaitForUnlock(t *testing.T) {
	store := docstore.NewMemoryStore()
	_, err := store.CreateCollection(context.Background(), testResource, nil)
	require.NoError(t, err)

	// 进程 A 持有锁
	putRow(t, store, &schema.SchemaVersion{ID: testSchemaID, Semver: "1.0.0", Lock: "other@1.0.0@other-host"})

	var unlocked atomic.Bool
	go func() {
		time.Sleep(120 * time.Millisecond)
		unlocked.Store(true)
		putRow(t, store, &schema.SchemaVersion{ID: testSchemaID, Semver: "1.1.0"})
	}()

	// 进程 B 阻塞等待直到 A 解锁
	c := NewCoordinator(testToken, WithPollInterval(20*time.Millisecond))
	coll, err := c.EnsureSchema(context.Background(), Params{
		Store:         store,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.1.0",
	})
	require.NoError(t, err)
	require.NotNil(t, coll)
	assert.True(t, unlocked.Load(), "EnsureSchema 必须等到锁清空才返回")

	row := getRow(t, store, testSchemaID)
	assert.Equal(t, "1.1.0", row.Semver)
	assert.False(t, row.Locked())
}

func TestEnsureSchema_WaitHonorsContextDeadline(t *testing.T) {
	store := docstore.NewMemoryStore()
	_, err := store.CreateCollection(context.Background(), testResource, nil)
	require.NoError(t, err)

	// 锁永不释放，依赖调用方的截止时间退出
	putRow(t, store, &schema.SchemaVersion{ID: testSchemaID, Semver: "1.0.0", Lock: "stuck@1.0.0@dead-host"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := NewCoordinator(testToken, WithPollInterval(20*time.Millisecond))
	_, err = c.EnsureSchema(ctx, Params{
		Store:         store,
		ResourceName:  testResource,
		SchemaID:      testSchemaID,
		TargetVersion: "1.1.0",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnsureSchema_ConcurrentBootstrapBothSucceed(t *testing.T) {
	store := docstore.NewMemoryStore()

	// 首次引导的竞争窗口是有意保留的：两个进程可以都走引导分支并都成功
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewCoordinator(testToken, WithPollInterval(10*time.Millisecond))
			_, errs[i] = c.EnsureSchema(context.Background(), Params{
				Store:         store,
				ResourceName:  testResource,
				SchemaID:      testSchemaID,
				TargetVersion: "1.0.0",
				SeedFn: func(ctx context.Context, coll docstore.Collection) error {
					// 幂等种子：已存在则跳过
					err := coll.InsertByID(ctx, "seed", docstore.Document{"kind": "seed"})
					if errors.Is(err, docstore.ErrDuplicateKey) {
						return nil
					}
					return err
				},
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	row := getRow(t, store, testSchemaID)
	require.NotNil(t, row)
	assert.Equal(t, "1.0.0", row.Semver)
}
