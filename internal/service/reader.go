package service

import (
	"context"
	"encoding/json"
	"fmt"

	"KeyCompare/internal/config"
	"KeyCompare/internal/metrics"
	"KeyCompare/internal/model"
	"KeyCompare/internal/repository"
	"KeyCompare/internal/utils/columnkey"

	"github.com/sirupsen/logrus"
)

// Pagination 分页信息
type Pagination struct {
	Total       int64 `json:"total"`
	Offset      int   `json:"offset"`
	Limit       int   `json:"limit"`
	Showing     int   `json:"showing"`
	HasMore     bool  `json:"has_more"`
	TotalPages  int64 `json:"total_pages"`
	CurrentPage int64 `json:"current_page"`
}

// Page 一个分页窗口
type Page struct {
	RunID      uint64         `json:"run_id"`
	ColumnsKey string         `json:"columns"`
	Category   model.Category `json:"category"`
	Version    int            `json:"version"`
	Records    []model.Record `json:"records"`
	Pagination Pagination     `json:"pagination"`
}

// NewPagination 计算分页字段；limit 必须 >= 1
func NewPagination(total int64, offset, limit, showing int) Pagination {
	return Pagination{
		Total:       total,
		Offset:      offset,
		Limit:       limit,
		Showing:     showing,
		HasMore:     int64(offset+showing) < total,
		TotalPages:  (total + int64(limit) - 1) / int64(limit),
		CurrentPage: int64(offset/limit) + 1,
	}
}

// Reader 从就绪缓存中按窗口读取记录，只读，不触发生成
type Reader struct {
	manager  *CacheManager
	repo     repository.CacheRepository
	maxLimit int
	logger   *logrus.Logger
}

// NewReader 创建 Reader
func NewReader(manager *CacheManager, repo repository.CacheRepository, cfg config.CacheConfig, logger *logrus.Logger) *Reader {
	maxLimit := cfg.MaxPageLimit
	if maxLimit <= 0 {
		maxLimit = 1000
	}
	return &Reader{manager: manager, repo: repo, maxLimit: maxLimit, logger: logger}
}

// MaxLimit 单页上限
func (r *Reader) MaxLimit() int { return r.maxLimit }

// Read 读取 [offset, offset+limit) 窗口。version<=0 读当前版本，否则读指定的保留版本
func (r *Reader) Read(ctx context.Context, runID uint64, columns []string, category model.Category, offset, limit, version int) (*Page, error) {
	page, err := r.read(ctx, runID, columns, category, offset, limit, version)
	result := "ok"
	if err != nil {
		result = string(model.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	metrics.PageReads.WithLabelValues(string(category), result).Inc()
	return page, err
}

func (r *Reader) read(ctx context.Context, runID uint64, columns []string, category model.Category, offset, limit, version int) (*Page, error) {
	if _, ok := model.ParseCategory(string(category)); !ok {
		return nil, model.NewError(model.KindInvalidRange, "read", nil, "未知分类 %q", category)
	}
	if offset < 0 {
		return nil, model.NewError(model.KindInvalidRange, "read", nil, "offset 不能为负数: %d", offset)
	}
	if limit < 1 || limit > r.maxLimit {
		return nil, model.NewError(model.KindInvalidRange, "read", nil, "limit 必须在 1 到 %d 之间: %d", r.maxLimit, limit)
	}
	key := columnkey.Key(columns)
	if key == "" {
		return nil, model.NewError(model.KindInvalidRange, "read", nil, "columns is required")
	}

	summary, err := r.manager.ResolveVersion(ctx, runID, key, version)
	if err != nil {
		return nil, err
	}
	total := summary.Count(category)

	rows, err := r.repo.ListRecords(ctx, runID, key, summary.Version, category, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("读取缓存记录失败: %w", err)
	}

	// 窗口必须与摘要承诺的数量一致且 seq 连续
	expected := int64(limit)
	if remain := total - int64(offset); remain < expected {
		expected = remain
	}
	if expected < 0 {
		expected = 0
	}
	if int64(len(rows)) != expected {
		return nil, r.corrupt(ctx, runID, key, summary.Version, fmt.Sprintf("%s 窗口 offset=%d 期望 %d 条，实际 %d 条", category, offset, expected, len(rows)))
	}
	records := make([]model.Record, 0, len(rows))
	for i, row := range rows {
		if row.Seq != int64(offset+i) {
			return nil, r.corrupt(ctx, runID, key, summary.Version, fmt.Sprintf("%s seq 不连续: 期望 %d，实际 %d", category, offset+i, row.Seq))
		}
		var rec model.Record
		if err := json.Unmarshal(row.Record, &rec); err != nil {
			return nil, r.corrupt(ctx, runID, key, summary.Version, fmt.Sprintf("%s seq %d 解析失败: %v", category, row.Seq, err))
		}
		records = append(records, rec)
	}

	return &Page{
		RunID:      runID,
		ColumnsKey: key,
		Category:   category,
		Version:    summary.Version,
		Records:    records,
		Pagination: NewPagination(total, offset, limit, len(records)),
	}, nil
}

func (r *Reader) corrupt(ctx context.Context, runID uint64, key string, version int, reason string) error {
	r.manager.invalidate(ctx, runID, key, version, reason)
	return model.NewError(model.KindCorrupt, "read", nil, "缓存数据损坏（%s），请重新生成", reason)
}
