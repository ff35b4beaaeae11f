package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/tidwall/gjson"

	_ "modernc.org/sqlite"
)

// 集合名仅允许字母、数字和下划线，因为它会拼入表名
var validCollectionName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

const handleCacheSize = 128

// SQLiteStore SQLite存储实现
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	mu      sync.RWMutex
	handles gcache.Cache
}

// NewSQLiteStore 创建SQLite存储
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// 确保目录存在
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:      db,
		dbPath:  dbPath,
		handles: gcache.New(handleCacheSize).LRU().Build(),
	}

	// 集合注册表
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create collections table: %w", err)
	}

	return store, nil
}

// tableName 集合对应的文档表名
func tableName(name string) string {
	return "doc_" + name
}

// CreateCollection 创建集合
func (s *SQLiteStore) CreateCollection(ctx context.Context, name string, opts CreateOptions) (Collection, error) {
	if !validCollectionName.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name: %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, name).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, ErrCollectionExists
	}

	if _, err := s.db.ExecContext(ctx, `INSERT INTO collections (name, created_at) VALUES (?, ?)`,
		name, time.Now().Unix()); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrCollectionExists
		}
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`, tableName(name))); err != nil {
		return nil, fmt.Errorf("failed to create collection table: %w", err)
	}

	return s.handle(name), nil
}

// ListCollectionNames 列出所有集合名称
func (s *SQLiteStore) ListCollectionNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Collection 获取集合句柄
func (s *SQLiteStore) Collection(ctx context.Context, name string) (Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, name).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrCollectionNotFound
	}
	return s.handle(name), nil
}

// handle 获取（或构建并缓存）集合句柄
func (s *SQLiteStore) handle(name string) Collection {
	if v, err := s.handles.Get(name); err == nil {
		if coll, ok := v.(Collection); ok {
			return coll
		}
	}
	coll := &sqliteCollection{store: s, name: name, table: tableName(name)}
	_ = s.handles.Set(name, coll)
	return coll
}

// Close 关闭存储
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation 判断错误是否为唯一约束冲突
// modernc.org/sqlite 未导出结构化的约束错误，按消息内容判断
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// sqliteCollection SQLite 集合句柄
type sqliteCollection struct {
	store *SQLiteStore
	name  string
	table string
}

func (c *sqliteCollection) Name() string {
	return c.name
}

func (c *sqliteCollection) UpsertByID(ctx context.Context, id string, doc Document) error {
	b, err := Marshal(doc)
	if err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	_, err = c.store.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at
	`, c.table), id, string(b), time.Now().Unix())
	return err
}

func (c *sqliteCollection) InsertByID(ctx context.Context, id string, doc Document) error {
	b, err := Marshal(doc)
	if err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	_, err = c.store.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, body, updated_at) VALUES (?, ?, ?)
	`, c.table), id, string(b), time.Now().Unix())
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (c *sqliteCollection) FindOneByID(ctx context.Context, id string) (Document, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	var body string
	err := c.store.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT body FROM %s WHERE id = ?
	`, c.table), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Unmarshal([]byte(body))
}

func (c *sqliteCollection) FindOneByField(ctx context.Context, path, value string) (Document, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	rows, err := c.store.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT body FROM %s ORDER BY id ASC
	`, c.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		if gjson.Get(body, path).String() == value {
			return Unmarshal([]byte(body))
		}
	}
	return nil, rows.Err()
}

func (c *sqliteCollection) CountDocuments(ctx context.Context) (int64, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	var count int64
	err := c.store.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)).Scan(&count)
	return count, err
}

func (c *sqliteCollection) EnsureIndex(ctx context.Context, path string) error {
	// 索引名中的路径需要归一化，json_extract 使用原始路径
	sanitized := strings.NewReplacer(".", "_", "[", "_", "]", "_", "#", "_").Replace(path)
	if !validCollectionName.MatchString(sanitized) {
		return fmt.Errorf("invalid index path: %q", path)
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	_, err := c.store.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (json_extract(body, '$.%s'))
	`, c.table, sanitized, c.table, path))
	return err
}
