package repository

import (
	"context"
	"errors"
	"fmt"

	"KeyCompare/internal/model"

	"gorm.io/gorm"
)

// RunRepository 对比任务、列组合统计与原始行的只读仓储（数据由外部分析方写入）
type RunRepository interface {
	// GetRun 通过 id 获取对比任务
	GetRun(ctx context.Context, runID uint64) (*model.ComparisonRun, error)
	// ListCombinationResults 获取某任务两侧全部列组合统计
	ListCombinationResults(ctx context.Context, runID uint64) ([]*model.CombinationResult, error)
	// IterateSourceRows 按 row_index 升序分批遍历某侧原始行
	IterateSourceRows(ctx context.Context, runID uint64, side model.Side, batchSize int, fn func(row model.Row) error) error
}

type runRepository struct {
	db *gorm.DB
}

// NewRunRepository 创建 RunRepository 实例
func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{db: db}
}

// GetRun 通过 id 获取对比任务
func (r *runRepository) GetRun(ctx context.Context, runID uint64) (*model.ComparisonRun, error) {
	var run model.ComparisonRun
	if err := r.db.WithContext(ctx).Where("id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.NewError(model.KindNotFound, "GetRun", nil, "run %d not found", runID)
		}
		return nil, err
	}
	return &run, nil
}

// ListCombinationResults 获取某任务两侧全部列组合统计
func (r *runRepository) ListCombinationResults(ctx context.Context, runID uint64) ([]*model.CombinationResult, error) {
	var results []*model.CombinationResult
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("side ASC, columns_key ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// IterateSourceRows 按 row_index 升序分批遍历，使用 row_index 游标而不是 offset，避免大表深翻页
func (r *runRepository) IterateSourceRows(ctx context.Context, runID uint64, side model.Side, batchSize int, fn func(row model.Row) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	cursor := int64(-1)
	for {
		var batch []*model.SourceRow
		if err := r.db.WithContext(ctx).
			Where("run_id = ? AND side = ? AND row_index > ?", runID, side, cursor).
			Order("row_index ASC").
			Limit(batchSize).
			Find(&batch).Error; err != nil {
			return fmt.Errorf("读取原始行失败: %w", err)
		}
		for _, sr := range batch {
			values, err := model.DecodeRowValues(sr.Data)
			if err != nil {
				return fmt.Errorf("解析原始行失败: %w, row_index: %d", err, sr.RowIndex)
			}
			if err := fn(model.Row{Index: sr.RowIndex, Values: values}); err != nil {
				return err
			}
			cursor = sr.RowIndex
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}
