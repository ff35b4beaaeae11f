// Package schema 管理 schema 版本行：当前已应用版本与咨询锁状态
package schema

import (
	"fmt"

	"github.com/docmigrate/docmigrate/src/docstore"
)

// SchemaVersion 管理一个 schema 标识的版本与锁状态。
// Semver 在生命周期内单调不减；Lock 为空表示未上锁，
// 否则为 "<releaseName>@<releaseVersion>@<hostId>" 形式的归属令牌，
// 仅用于诊断展示，逻辑上永不解析。
type SchemaVersion struct {
	ID     string `json:"_id"`
	Semver string `json:"semver"`
	Lock   string `json:"lock"`
}

// Locked 判断是否被上锁
func (v *SchemaVersion) Locked() bool {
	return v.Lock != ""
}

// FormatLock 生成锁令牌
func FormatLock(releaseName, releaseVersion, hostID string) string {
	return fmt.Sprintf("%s@%s@%s", releaseName, releaseVersion, hostID)
}

// Document 转换为存储文档
func (v *SchemaVersion) Document() docstore.Document {
	return docstore.Document{
		"_id":    v.ID,
		"semver": v.Semver,
		"lock":   v.Lock,
	}
}

// FromDocument 从存储文档还原
func FromDocument(doc docstore.Document) *SchemaVersion {
	return &SchemaVersion{
		ID:     getStringFromDoc(doc, "_id"),
		Semver: getStringFromDoc(doc, "semver"),
		Lock:   getStringFromDoc(doc, "lock"),
	}
}

// 辅助函数：从文档中获取 string 值
func getStringFromDoc(doc docstore.Document, key string) string {
	if v, ok := doc[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
