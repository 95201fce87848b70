package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// Side 数据集一侧
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// Valid 是否为合法的数据集侧
func (s Side) Valid() bool { return s == SideA || s == SideB }

// ComparisonRun 一次对比分析任务（两份数据集 + 共用参数），创建后仅 status 可变
type ComparisonRun struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement;comment:自增主键ID" json:"id"`
	FileA     string    `gorm:"column:file_a;type:varchar(256);not null;comment:A侧文件名" json:"file_a"`
	FileB     string    `gorm:"column:file_b;type:varchar(256);not null;comment:B侧文件名" json:"file_b"`
	RowsA     int64     `gorm:"column:rows_a;type:bigint;not null;default:0;comment:A侧行数" json:"rows_a"`
	RowsB     int64     `gorm:"column:rows_b;type:bigint;not null;default:0;comment:B侧行数" json:"rows_b"`
	Status    string    `gorm:"column:status;type:varchar(16);default:completed;comment:状态：running/completed/failed" json:"status"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:now();comment:创建时间" json:"created_at"`
}

// CombinationResult 外部分析方对某一侧、某一列组合给出的唯一性统计（本服务只读）
type CombinationResult struct {
	ID              uint64  `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	RunID           uint64  `gorm:"column:run_id;type:bigint;not null;uniqueIndex:uq_run_side_columns" json:"run_id"`
	Side            Side    `gorm:"column:side;type:varchar(1);not null;uniqueIndex:uq_run_side_columns" json:"side"`
	ColumnsKey      string  `gorm:"column:columns_key;type:varchar(512);not null;uniqueIndex:uq_run_side_columns" json:"columns"`
	TotalRows       int64   `gorm:"column:total_rows;type:bigint;not null;default:0" json:"total_rows"`
	UniqueRows      int64   `gorm:"column:unique_rows;type:bigint;not null;default:0" json:"unique_rows"`
	DuplicateCount  int64   `gorm:"column:duplicate_count;type:bigint;not null;default:0" json:"duplicate_count"`
	UniquenessScore float64 `gorm:"column:uniqueness_score;type:double precision;not null;default:0" json:"uniqueness_score"`
}

// IsUniqueKey 唯一性得分为 100 即视为该侧的唯一键；NaN 一律视为非唯一
func (r CombinationResult) IsUniqueKey() bool {
	return !math.IsNaN(r.UniquenessScore) && r.UniquenessScore == 100
}

// SourceRow database 来源模式下的原始行（由分析方写入）
type SourceRow struct {
	ID       uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	RunID    uint64         `gorm:"column:run_id;type:bigint;not null;index:idx_source_rows_run_side_idx,priority:1"`
	Side     Side           `gorm:"column:side;type:varchar(1);not null;index:idx_source_rows_run_side_idx,priority:2"`
	RowIndex int64          `gorm:"column:row_index;type:bigint;not null;index:idx_source_rows_run_side_idx,priority:3"`
	Data     datatypes.JSON `gorm:"column:data;type:jsonb;not null;comment:列名→值"`
}

func (ComparisonRun) TableName() string     { return "comparison_runs" }
func (CombinationResult) TableName() string { return "combination_results" }
func (SourceRow) TableName() string         { return "source_rows" }

// Row 扫描时的单行数据
type Row struct {
	Index  int64             `json:"row_index"`
	Values map[string]string `json:"values"`
}

// UnmarshalJSON values 中的非字符串值按 DecodeRowValues 规则转为字符串
func (r *Row) UnmarshalJSON(data []byte) error {
	var raw struct {
		Index  int64           `json:"row_index"`
		Values json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	values, err := DecodeRowValues(raw.Values)
	if err != nil {
		return err
	}
	r.Index = raw.Index
	r.Values = values
	return nil
}

// DecodeRowValues 解析一行 {列名: 值}，统一转为字符串参与键比较：
// 数字保留原始字面量，null 为空串，布尔为 true/false，对象与数组为紧凑 JSON
func DecodeRowValues(raw []byte) (map[string]string, error) {
	values := make(map[string]string)
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return values, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded map[string]interface{}
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	for col, v := range decoded {
		s, err := formatValue(v)
		if err != nil {
			return nil, fmt.Errorf("列 %s: %w", col, err)
		}
		values[col] = s
	}
	return values, nil
}

func formatValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
