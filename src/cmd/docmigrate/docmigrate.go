package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/bluele/gcache"
	"github.com/sirupsen/logrus"

	"github.com/docmigrate/docmigrate/src/configs"
	"github.com/docmigrate/docmigrate/src/consts"
	"github.com/docmigrate/docmigrate/src/docstore"
	"github.com/docmigrate/docmigrate/src/instance"
	"github.com/docmigrate/docmigrate/src/log"
	"github.com/docmigrate/docmigrate/src/migration"
	"github.com/docmigrate/docmigrate/src/schema"
	"github.com/docmigrate/docmigrate/src/servers"
)

var (
	app = kingpin.New(consts.AppName, "Schema migration coordinator for shared document stores.").
		Version(consts.AppVersion)

	conf           = app.Flag("config", "Config file path.").Short('c').String()
	debug          = app.Flag("debug", "Enable debug mode.").Bool()
	releaseName    = app.Flag("release-name", "Release name for the lock token.").String()
	releaseVersion = app.Flag("release-version", "Release version (also the default target version).").String()
)

func getConfig() (*configs.Config, error) {
	var config *configs.Config
	if *conf != "" {
		c, err := configs.NewConfigWithFile(*conf)
		if err != nil {
			return nil, err
		}
		config = c
	} else {
		config = configs.NewConfig()
	}
	// 命令行参数覆盖配置文件
	if *debug {
		config.Debug = true
	}
	if *releaseName != "" {
		config.Release.Name = *releaseName
	}
	if *releaseVersion != "" {
		config.Release.Version = *releaseVersion
	}
	return config, config.Verify()
}

// newStore 按配置创建文档存储
func newStore(cfg *configs.Config) (docstore.Store, error) {
	switch cfg.Store.Type {
	case configs.StoreTypeSQLite:
		return docstore.NewSQLiteStore(cfg.Store.Path)
	case configs.StoreTypeMemory:
		return docstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Store.Type)
	}
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	config, err := getConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	configs.SetCurrentConfig(config)

	logger := log.New()
	logger.WithFields(logrus.Fields{
		"app_name":    consts.AppName,
		"app_version": consts.AppVersion,
		"pid":         os.Getpid(),
	}).Info("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := newStore(config)
	if err != nil {
		logger.WithError(err).Fatal("failed to open document store")
	}
	defer store.Close()

	versions, err := schema.NewVersionStore(ctx, store)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize schema version store")
	}

	hostID := configs.ResolveHostID(config)
	lockToken := schema.FormatLock(config.Release.Name, config.Release.Version, hostID)
	coordinator := migration.NewCoordinator(lockToken,
		migration.WithPollInterval(time.Duration(config.PollIntervalSeconds)*time.Second))

	inst := &instance.Instance{
		Config:      config,
		Cache:       gcache.New(128).LRU().Build(),
		Store:       store,
		Versions:    versions,
		Coordinator: coordinator,
	}
	ctx = instance.WithInstance(ctx, inst)

	// 逐个推进配置中的 schema；锁定时会阻塞等待，失败时保持锁以便人工介入
	for _, s := range config.Schemas {
		targetVersion := config.TargetVersionFor(s)
		_, err := coordinator.EnsureSchema(ctx, migration.Params{
			Store:         store,
			ResourceName:  s.Resource,
			SchemaID:      s.ID,
			TargetVersion: targetVersion,
			Source:        migration.DefaultRegistry(),
			CreateOptions: docstore.CreateOptions(s.CreateOptions),
		})
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"schema_id":      s.ID,
				"resource":       s.Resource,
				"target_version": targetVersion,
			}).Fatal("failed to ensure schema")
		}
	}
	logger.WithField("schema_count", len(config.Schemas)).Info("all schemas ensured")

	if !config.RPC.Enable {
		return
	}

	server := servers.NewServer(ctx)
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start status server")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	server.Close(ctx)
	cancel()
	inst.WaitGroup.Wait()
}
