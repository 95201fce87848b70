package interfaces

import (
	"context"

	"KeyCompare/internal/model"
)

// CombinationResults 两侧的列组合唯一性统计
type CombinationResults struct {
	SideA []model.CombinationResult `json:"side_a"`
	SideB []model.CombinationResult `json:"side_b"`
}

// RowSource 行数据/分析结果来源（外部分析方），所有来源适配器必须实现
type RowSource interface {
	// GetName 来源名称
	GetName() string
	// GetRun 查询对比任务，不存在时返回 model.ErrNotFound
	GetRun(ctx context.Context, runID uint64) (*model.ComparisonRun, error)
	// ListCombinationResults 两侧列组合统计
	ListCombinationResults(ctx context.Context, runID uint64) (*CombinationResults, error)
	// IterateRows 按源文件顺序逐行回调；fn 返回错误时立即停止并原样返回
	IterateRows(ctx context.Context, runID uint64, side model.Side, fn func(row model.Row) error) error
}
