package model

import (
	"fmt"
	"regexp"
	"strings"
)

// EntityKind 实体类型
type EntityKind string

const (
	EntityKindConfig   EntityKind = "config"
	EntityKindLocation EntityKind = "location"
	EntityKindRisk     EntityKind = "risk"
	EntityKindPerson   EntityKind = "person"
	EntityKindPolicy   EntityKind = "policy"
)

// EntityKinds 所有实体类型, 依赖在前
var EntityKinds = []EntityKind{
	EntityKindConfig,
	EntityKindLocation,
	EntityKindRisk,
	EntityKindPerson,
	EntityKindPolicy,
}

// ParseEntityKind 解析实体类型
func ParseEntityKind(s string) (EntityKind, error) {
	kind := EntityKind(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range EntityKinds {
		if k == kind {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Entity 可同步到链上的实体
//
// 实现只有 Config, Location, Risk, Person, Policy 五种, 由未导出方法封闭。
type Entity interface {
	Kind() EntityKind
	EntityID() string
	Marker() string
	SetMarker(tx string)
	IsSynced() bool

	sealed()
}

// SyncMarker 链上同步标记, 交易确认后写入, 之后不再变化 (force 除外)
type SyncMarker struct {
	Tx string `gorm:"column:tx;type:varchar(66);index" json:"tx,omitempty"`
}

// Marker 返回交易哈希
func (m *SyncMarker) Marker() string { return m.Tx }

// SetMarker 设置交易哈希
func (m *SyncMarker) SetMarker(tx string) { m.Tx = tx }

// IsSynced 是否已同步
func (m *SyncMarker) IsSynced() bool { return m.Tx != "" }

// Timestamps 毫秒时间戳
type Timestamps struct {
	CreatedAt int64 `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt int64 `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// Touch 更新时间戳, 首次写入时同时设置创建时间
func (t *Timestamps) Touch(now int64) {
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

var nanoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{12}$`)

// IsValidID 判断是否为合法的 nanoid (12 位, URL 安全字母表)
func IsValidID(id string) bool {
	return nanoIDPattern.MatchString(id)
}

// NewEntity 按类型创建空实体
func NewEntity(kind EntityKind) (Entity, error) {
	switch kind {
	case EntityKindConfig:
		return &Config{}, nil
	case EntityKindLocation:
		return &Location{}, nil
	case EntityKindRisk:
		return &Risk{}, nil
	case EntityKindPerson:
		return &Person{}, nil
	case EntityKindPolicy:
		return &Policy{}, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}
