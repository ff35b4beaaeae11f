package configs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	uuid "github.com/satori/go.uuid"
)

const hostIDFileName = "host_id"

var (
	// cachedHostID 缓存的主机标识
	cachedHostID string
	// hostIDOnce 确保主机标识只解析一次
	hostIDOnce sync.Once
)

// ResolveHostID 解析当前进程的主机标识，用于锁令牌的归属标记。
// 优先级：配置中的 host_id > AppDataPath 下持久化的标识 > 新生成并持久化的标识。
// 生成的标识形如 "<hostname>-<uuid前8位>"，仅用于诊断展示，逻辑上永不解析。
func ResolveHostID(cfg *Config) string {
	if cfg != nil && cfg.HostID != "" {
		return cfg.HostID
	}
	hostIDOnce.Do(func() {
		dir := ".appdata"
		if cfg != nil && cfg.AppDataPath != "" {
			dir = cfg.AppDataPath
		}
		cachedHostID = loadOrCreateHostID(dir)
	})
	return cachedHostID
}

// loadOrCreateHostID 从数据目录加载或创建主机标识
func loadOrCreateHostID(dir string) string {
	path := filepath.Join(dir, hostIDFileName)
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id
		}
	}

	id := generateHostID()

	// 持久化失败不致命，下次启动会生成新标识
	if err := os.MkdirAll(dir, 0755); err == nil {
		_ = os.WriteFile(path, []byte(id), 0644)
	}
	return id
}

// generateHostID 生成新的主机标识
func generateHostID() string {
	suffix := strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")[:8]
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return suffix
	}
	return hostname + "-" + suffix
}
