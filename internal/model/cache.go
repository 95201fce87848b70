package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Category 对比结果分类
type Category string

const (
	CategoryMatched Category = "matched"
	CategoryOnlyA   Category = "only_a"
	CategoryOnlyB   Category = "only_b"
)

// Categories 缓存中持久化的三个分区，顺序固定
var Categories = []Category{CategoryMatched, CategoryOnlyA, CategoryOnlyB}

// ParseCategory 解析分类名
func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case CategoryMatched, CategoryOnlyA, CategoryOnlyB:
		return Category(s), true
	}
	return "", false
}

// CacheState 缓存状态
type CacheState string

const (
	CacheAbsent     CacheState = "absent"
	CacheGenerating CacheState = "generating"
	CacheReady      CacheState = "ready"
	CacheFailed     CacheState = "failed"
)

// Summary 一个缓存版本的统计摘要
type Summary struct {
	ColumnsKey   string    `json:"columns"`
	TotalA       int64     `json:"total_a"`
	TotalB       int64     `json:"total_b"`
	MatchedCount int64     `json:"matched_count"`
	OnlyACount   int64     `json:"only_a_count"`
	OnlyBCount   int64     `json:"only_b_count"`
	MatchRate    float64   `json:"match_rate"`
	Version      int       `json:"version"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// Count 某分类的记录总数
func (s *Summary) Count(c Category) int64 {
	switch c {
	case CategoryMatched:
		return s.MatchedCount
	case CategoryOnlyA:
		return s.OnlyACount
	case CategoryOnlyB:
		return s.OnlyBCount
	}
	return 0
}

// MatchRate 匹配率，沿用历史口径 matched / max(total_a+total_b, 1) * 100 * 2
// 该口径可能超过 100，保持与既有报表一致，不做修正
func MatchRate(matched, totalA, totalB int64) float64 {
	denom := totalA + totalB
	if denom < 1 {
		denom = 1
	}
	return float64(matched) / float64(denom) * 100 * 2
}

// Record 单条对比结果记录
// matched 记录同时带 A、B 两侧首行及各自出现次数；only_a/only_b 仅带本侧行
type Record struct {
	Key       map[string]string `json:"key"`
	A         map[string]string `json:"a,omitempty"`
	B         map[string]string `json:"b,omitempty"`
	RowIndexA *int64            `json:"row_index_a,omitempty"`
	RowIndexB *int64            `json:"row_index_b,omitempty"`
	CountA    int64             `json:"count_a,omitempty"`
	CountB    int64             `json:"count_b,omitempty"`
}

// ComparisonCache 缓存指针表：(run_id, columns_key) 一行，current_version 指向当前可读版本
type ComparisonCache struct {
	ID             uint64         `gorm:"column:id;primaryKey;autoIncrement;comment:自增主键ID"`
	RunID          uint64         `gorm:"column:run_id;type:bigint;not null;uniqueIndex:uq_cache_run_columns;comment:关联对比任务ID"`
	ColumnsKey     string         `gorm:"column:columns_key;type:varchar(512);not null;uniqueIndex:uq_cache_run_columns;comment:规范化列组合"`
	State          CacheState     `gorm:"column:state;type:varchar(16);not null;default:absent;comment:状态：absent/generating/ready/failed"`
	CurrentVersion int            `gorm:"column:current_version;type:int;not null;default:0;comment:当前可读版本，0 表示无"`
	Summary        datatypes.JSON `gorm:"column:summary;type:jsonb;comment:当前版本摘要"`
	GenerationID   string         `gorm:"column:generation_id;type:varchar(64);comment:进行中的生成任务ID"`
	LastError      string         `gorm:"column:last_error;type:text;comment:最近一次失败原因"`
	StartedAt      *time.Time     `gorm:"column:started_at;type:timestamptz;comment:最近一次生成开始时间"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;type:timestamptz;default:now();comment:更新时间"`
}

// ComparisonRecord 某版本某分类下的一条记录，seq 从 0 开始连续
type ComparisonRecord struct {
	ID         uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	RunID      uint64         `gorm:"column:run_id;type:bigint;not null;uniqueIndex:uq_record_position,priority:1"`
	ColumnsKey string         `gorm:"column:columns_key;type:varchar(512);not null;uniqueIndex:uq_record_position,priority:2"`
	Version    int            `gorm:"column:version;type:int;not null;uniqueIndex:uq_record_position,priority:3"`
	Category   Category       `gorm:"column:category;type:varchar(16);not null;uniqueIndex:uq_record_position,priority:4"`
	Seq        int64          `gorm:"column:seq;type:bigint;not null;uniqueIndex:uq_record_position,priority:5"`
	Record     datatypes.JSON `gorm:"column:record;type:jsonb;not null"`
}

// ComparisonVersion 已发布版本的摘要，随版本一起保留与清理
type ComparisonVersion struct {
	ID         uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	RunID      uint64         `gorm:"column:run_id;type:bigint;not null;uniqueIndex:uq_version,priority:1"`
	ColumnsKey string         `gorm:"column:columns_key;type:varchar(512);not null;uniqueIndex:uq_version,priority:2"`
	Version    int            `gorm:"column:version;type:int;not null;uniqueIndex:uq_version,priority:3"`
	Summary    datatypes.JSON `gorm:"column:summary;type:jsonb;not null"`
	CreatedAt  time.Time      `gorm:"column:created_at;type:timestamptz;default:now()"`
}

func (ComparisonCache) TableName() string   { return "comparison_caches" }
func (ComparisonRecord) TableName() string  { return "comparison_records" }
func (ComparisonVersion) TableName() string { return "comparison_versions" }

// DecodeSummary 解析缓存行上的摘要，无摘要时返回 nil
func (c *ComparisonCache) DecodeSummary() (*Summary, error) {
	return decodeSummary(c.Summary)
}

// DecodeSummary 解析版本摘要
func (v *ComparisonVersion) DecodeSummary() (*Summary, error) {
	return decodeSummary(v.Summary)
}

func decodeSummary(raw datatypes.JSON) (*Summary, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CacheStatus 对外的缓存状态视图
type CacheStatus struct {
	RunID        uint64     `json:"run_id"`
	ColumnsKey   string     `json:"columns"`
	State        CacheState `json:"state"`
	Version      int        `json:"version,omitempty"`
	Summary      *Summary   `json:"summary,omitempty"`
	Error        string     `json:"error,omitempty"`
	Regenerating bool       `json:"regenerating,omitempty"` // ready 状态下正在构建新版本，旧版本仍可读
}

// Artifact 一次生成得到的完整版本（发布前在内存中构建）
type Artifact struct {
	RunID      uint64
	ColumnsKey string
	Version    int
	Summary    Summary
	Partitions map[Category][]Record
}
