package configs

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RPC info.
type RPC struct {
	Enable bool   `yaml:"enable" json:"enable"`
	Bind   string `yaml:"bind" json:"bind"`
}

var defaultRPC = RPC{
	Enable: true,
	Bind:   ":8080",
}

func (r *RPC) verify() error {
	if r == nil || !r.Enable {
		return nil
	}
	if _, err := net.ResolveTCPAddr("tcp", r.Bind); err != nil {
		return fmt.Errorf("无效的RPC绑定地址: %w", err)
	}
	return nil
}

// Log 日志配置
type Log struct {
	OutPutFolder string `yaml:"out_put_folder" json:"out_put_folder"`
}

// Release 发布描述符，用于锁令牌的归属标记和目标版本的来源
type Release struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// StoreType 文档存储后端类型
type StoreType string

const (
	// StoreTypeMemory 内存存储（测试与一次性运行）
	StoreTypeMemory StoreType = "memory"
	// StoreTypeSQLite SQLite 持久化存储
	StoreTypeSQLite StoreType = "sqlite"
)

// IsValid 判断存储类型是否合法
func (t StoreType) IsValid() bool {
	return t == StoreTypeMemory || t == StoreTypeSQLite
}

// Store 文档存储配置
type Store struct {
	Type StoreType `yaml:"type" json:"type"`
	// Path SQLite 数据库文件路径（Type 为 sqlite 时必填）
	Path string `yaml:"path" json:"path"`
}

var defaultStore = Store{
	Type: StoreTypeMemory,
}

// Schema 一个被管理的 schema 条目
type Schema struct {
	// ID schema 逻辑标识，与物理资源名不同
	ID string `yaml:"id" json:"id"`
	// Resource 底层资源（集合）名称
	Resource string `yaml:"resource" json:"resource"`
	// TargetVersion 目标版本，留空时使用 Release.Version
	TargetVersion string `yaml:"target_version,omitempty" json:"target_version,omitempty"`
	// CreateOptions 创建资源时原样透传的选项
	CreateOptions map[string]any `yaml:"create_options,omitempty" json:"create_options,omitempty"`
}

// Config content all config info.
type Config struct {
	File  string `yaml:"-" json:"-"`
	Debug bool   `yaml:"debug" json:"debug"`
	RPC   RPC    `yaml:"rpc" json:"rpc"`
	Log   Log    `yaml:"log" json:"log"`

	// Release 当前运行的发布信息
	Release Release `yaml:"release" json:"release"`
	// HostID 主机标识，留空时从 AppDataPath 加载或生成持久化标识
	HostID string `yaml:"host_id,omitempty" json:"host_id,omitempty"`
	// PollIntervalSeconds 等待锁释放时的轮询间隔（秒）
	PollIntervalSeconds int `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`

	Store   Store    `yaml:"store" json:"store"`
	Schemas []Schema `yaml:"schemas" json:"schemas"`

	// 数据目录配置
	AppDataPath string `yaml:"app_data_path" json:"app_data_path"`
}

var defaultConfig = Config{
	RPC:                 defaultRPC,
	Store:               defaultStore,
	PollIntervalSeconds: 1,
}

// 使用 atomic.Value 存放当前配置指针，避免并发读写造成 data race
var config atomic.Value // stores *Config

// 单独的 Debug 原子标志，便于高频读取
var currentDebug atomic.Bool

func SetCurrentConfig(cfg *Config) {
	if cfg == nil {
		config.Store((*Config)(nil))
		currentDebug.Store(false)
		return
	}
	config.Store(cfg)
	currentDebug.Store(cfg.Debug)
}

func GetCurrentConfig() *Config {
	v := config.Load()
	if v == nil {
		return nil
	}
	cfg, _ := v.(*Config)
	return cfg
}

// IsDebug 提供并发安全、低开销的 Debug 值读取
func IsDebug() bool {
	return currentDebug.Load()
}

func NewConfig() *Config {
	config := defaultConfig
	newConfigPostProcess(&config)
	return &config
}

func newConfigPostProcess(c *Config) {
	if c.AppDataPath == "" {
		c.AppDataPath = ".appdata"
	}
	// 环境变量覆盖（.env 文件由 NewConfigWithFile 预先加载）
	if v := os.Getenv("DOCMIGRATE_RELEASE_NAME"); v != "" {
		c.Release.Name = v
	}
	if v := os.Getenv("DOCMIGRATE_RELEASE_VERSION"); v != "" {
		c.Release.Version = v
	}
	if v := os.Getenv("DOCMIGRATE_HOST_ID"); v != "" {
		c.HostID = v
	}
}

// Verify will return an error when this config has problem.
func (c *Config) Verify() error {
	if c == nil {
		return errors.New("配置不存在")
	}
	if err := c.RPC.verify(); err != nil {
		return err
	}
	if c.Release.Name == "" {
		return errors.New("release.name 不能为空")
	}
	if c.Release.Version == "" {
		return errors.New("release.version 不能为空")
	}
	if _, err := semver.NewVersion(c.Release.Version); err != nil {
		return fmt.Errorf(`release.version "%s" 不是合法的语义化版本: %w`, c.Release.Version, err)
	}
	if c.PollIntervalSeconds <= 0 {
		return errors.New("轮询间隔必须大于 0")
	}
	if !c.Store.Type.IsValid() {
		return fmt.Errorf(`未知的存储类型 "%s"`, c.Store.Type)
	}
	if c.Store.Type == StoreTypeSQLite && c.Store.Path == "" {
		return errors.New("sqlite 存储必须指定 store.path")
	}
	for i, s := range c.Schemas {
		if s.ID == "" {
			return fmt.Errorf("schemas[%d].id 不能为空", i)
		}
		if s.Resource == "" {
			return fmt.Errorf("schemas[%d].resource 不能为空", i)
		}
		if s.TargetVersion != "" {
			if _, err := semver.NewVersion(s.TargetVersion); err != nil {
				return fmt.Errorf(`schemas[%d].target_version "%s" 不是合法的语义化版本: %w`, i, s.TargetVersion, err)
			}
		}
	}
	return nil
}

// TargetVersionFor 返回 schema 条目生效的目标版本（条目未指定时回退到 Release.Version）
func (c *Config) TargetVersionFor(s Schema) string {
	if s.TargetVersion != "" {
		return s.TargetVersion
	}
	return c.Release.Version
}

func NewConfigWithBytes(b []byte) (*Config, error) {
	config := defaultConfig
	if err := yaml.Unmarshal(b, &config); err != nil {
		return nil, err
	}
	newConfigPostProcess(&config)
	return &config, nil
}

func NewConfigWithFile(file string) (*Config, error) {
	// 配置文件同目录下的 .env 先于环境变量覆盖被加载
	_ = godotenv.Load(filepath.Join(filepath.Dir(file), ".env"))

	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("can`t open file: %s", file)
	}
	config, err := NewConfigWithBytes(b)
	if err != nil {
		return nil, err
	}
	config.File = file
	return config, nil
}

func (c *Config) Marshal() error {
	if c.File == "" {
		return errors.New("config path not set")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.File, b, 0644)
}
