package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"KeyCompare/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrGenerationSuperseded 发布/标记失败时发现 generation_id 已不是自己（被其他生成任务接管）
var ErrGenerationSuperseded = errors.New("generation superseded")

// ErrGenerationInFlight 标记生成时发现已有未过期的生成任务占用该行
var ErrGenerationInFlight = errors.New("generation in flight")

// CacheRepository 对比缓存仓储。已发布版本的记录只增不改，新版本发布后通过指针原子切换
type CacheRepository interface {
	// GetCache 获取缓存指针行，不存在时返回 nil, nil
	GetCache(ctx context.Context, runID uint64, columnsKey string) (*model.ComparisonCache, error)
	// MarkGenerating 认领生成任务（行不存在则创建），current_version 保持不变。
	// 仅当行上没有生成任务，或该任务开始于 staleBefore 之前时才能认领，否则返回 ErrGenerationInFlight；
	// staleBefore 为零值表示不接管任何进行中的任务
	MarkGenerating(ctx context.Context, runID uint64, columnsKey, generationID string, startedAt, staleBefore time.Time) error
	// MarkFailed 生成失败。无可读版本时状态置为 failed，已有可读版本时保持 ready 并记录原因
	MarkFailed(ctx context.Context, runID uint64, columnsKey, generationID, reason string) error
	// PublishVersion 写入新版本全部记录并切换 current_version，要求 generation_id 仍归属调用方
	PublishVersion(ctx context.Context, artifact *model.Artifact, generationID string) error
	// Invalidate 读取时发现损坏：状态置为 failed，下次生成会重建
	Invalidate(ctx context.Context, runID uint64, columnsKey string, version int, reason string) error
	// GetVersion 获取仍保留的版本，已清理或不存在时返回 nil, nil
	GetVersion(ctx context.Context, runID uint64, columnsKey string, version int) (*model.ComparisonVersion, error)
	// ListRecords 按 seq 升序返回 [offset, offset+limit) 窗口
	ListRecords(ctx context.Context, runID uint64, columnsKey string, version int, category model.Category, offset, limit int) ([]*model.ComparisonRecord, error)
	// PruneVersions 删除 version < keepFrom 的历史记录
	PruneVersions(ctx context.Context, runID uint64, columnsKey string, keepFrom int) error
}

type cacheRepository struct {
	db        *gorm.DB
	batchSize int
}

// NewCacheRepository 创建基于 PostgreSQL 的 CacheRepository
func NewCacheRepository(db *gorm.DB, batchSize int) CacheRepository {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &cacheRepository{db: db, batchSize: batchSize}
}

func (r *cacheRepository) GetCache(ctx context.Context, runID uint64, columnsKey string) (*model.ComparisonCache, error) {
	var c model.ComparisonCache
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND columns_key = ?", runID, columnsKey).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *cacheRepository) MarkGenerating(ctx context.Context, runID uint64, columnsKey, generationID string, startedAt, staleBefore time.Time) error {
	c := &model.ComparisonCache{
		RunID:        runID,
		ColumnsKey:   columnsKey,
		State:        model.CacheGenerating,
		GenerationID: generationID,
		StartedAt:    &startedAt,
		UpdatedAt:    startedAt,
	}
	// 只有空闲或已过期的行可以被认领
	claimable := clause.Expr{SQL: "COALESCE(comparison_caches.generation_id, '') = ''"}
	if !staleBefore.IsZero() {
		claimable = clause.Expr{
			SQL:  "COALESCE(comparison_caches.generation_id, '') = '' OR comparison_caches.started_at IS NULL OR comparison_caches.started_at < ?",
			Vars: []interface{}{staleBefore},
		}
	}
	// ready 的行进入 regenerating 时不改 state，保证旧版本在新版本发布前一直可读
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}, {Name: "columns_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"state":         gorm.Expr("CASE WHEN comparison_caches.state = ? THEN comparison_caches.state ELSE ? END", model.CacheReady, model.CacheGenerating),
			"generation_id": generationID,
			"started_at":    startedAt,
			"updated_at":    startedAt,
		}),
		Where: clause.Where{Exprs: []clause.Expression{claimable}},
	}).Create(c)
	if res.Error != nil {
		return res.Error
	}
	// 冲突且条件不满足时不更新任何行
	if res.RowsAffected == 0 {
		return ErrGenerationInFlight
	}
	return nil
}

func (r *cacheRepository) MarkFailed(ctx context.Context, runID uint64, columnsKey, generationID, reason string) error {
	res := r.db.WithContext(ctx).Model(&model.ComparisonCache{}).
		Where("run_id = ? AND columns_key = ? AND generation_id = ?", runID, columnsKey, generationID).
		Updates(map[string]interface{}{
			"state":         gorm.Expr("CASE WHEN current_version > 0 AND state = ? THEN state ELSE ? END", model.CacheReady, model.CacheFailed),
			"generation_id": "",
			"last_error":    reason,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrGenerationSuperseded
	}
	return nil
}

func (r *cacheRepository) PublishVersion(ctx context.Context, artifact *model.Artifact, generationID string) error {
	summary, err := json.Marshal(artifact.Summary)
	if err != nil {
		return fmt.Errorf("序列化摘要失败: %w", err)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model.ComparisonVersion{
			RunID:      artifact.RunID,
			ColumnsKey: artifact.ColumnsKey,
			Version:    artifact.Version,
			Summary:    summary,
		}).Error; err != nil {
			return fmt.Errorf("保存版本摘要失败: %w", err)
		}
		for _, category := range model.Categories {
			records, err := toRows(artifact, category)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				continue
			}
			if err := tx.CreateInBatches(records, r.batchSize).Error; err != nil {
				return fmt.Errorf("保存%s记录失败: %w", category, err)
			}
		}

		res := tx.Model(&model.ComparisonCache{}).
			Where("run_id = ? AND columns_key = ? AND generation_id = ?", artifact.RunID, artifact.ColumnsKey, generationID).
			Updates(map[string]interface{}{
				"state":           model.CacheReady,
				"current_version": artifact.Version,
				"summary":         summary,
				"generation_id":   "",
				"last_error":      "",
				"updated_at":      time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("切换缓存版本失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrGenerationSuperseded
		}
		return nil
	})
}

func (r *cacheRepository) Invalidate(ctx context.Context, runID uint64, columnsKey string, version int, reason string) error {
	return r.db.WithContext(ctx).Model(&model.ComparisonCache{}).
		Where("run_id = ? AND columns_key = ? AND current_version = ?", runID, columnsKey, version).
		Updates(map[string]interface{}{
			"state":           model.CacheFailed,
			"current_version": 0,
			"summary":         nil,
			"last_error":      reason,
			"updated_at":      time.Now(),
		}).Error
}

func (r *cacheRepository) GetVersion(ctx context.Context, runID uint64, columnsKey string, version int) (*model.ComparisonVersion, error) {
	var v model.ComparisonVersion
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND columns_key = ? AND version = ?", runID, columnsKey, version).
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *cacheRepository) ListRecords(ctx context.Context, runID uint64, columnsKey string, version int, category model.Category, offset, limit int) ([]*model.ComparisonRecord, error) {
	var records []*model.ComparisonRecord
	if err := r.db.WithContext(ctx).
		Where("run_id = ? AND columns_key = ? AND version = ? AND category = ? AND seq >= ?", runID, columnsKey, version, category, offset).
		Order("seq ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *cacheRepository) PruneVersions(ctx context.Context, runID uint64, columnsKey string, keepFrom int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ? AND columns_key = ? AND version < ?", runID, columnsKey, keepFrom).
			Delete(&model.ComparisonVersion{}).Error; err != nil {
			return err
		}
		return tx.Where("run_id = ? AND columns_key = ? AND version < ?", runID, columnsKey, keepFrom).
			Delete(&model.ComparisonRecord{}).Error
	})
}

// toRows 将内存中的分区转为待入库的记录行，seq 即分区内下标
func toRows(artifact *model.Artifact, category model.Category) ([]*model.ComparisonRecord, error) {
	part := artifact.Partitions[category]
	rows := make([]*model.ComparisonRecord, 0, len(part))
	for i := range part {
		data, err := json.Marshal(part[i])
		if err != nil {
			return nil, fmt.Errorf("序列化记录失败: %w, category: %s, seq: %d", err, category, i)
		}
		rows = append(rows, &model.ComparisonRecord{
			RunID:      artifact.RunID,
			ColumnsKey: artifact.ColumnsKey,
			Version:    artifact.Version,
			Category:   category,
			Seq:        int64(i),
			Record:     data,
		})
	}
	return rows, nil
}
