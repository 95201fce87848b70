package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"KeyCompare/internal/config"
	"KeyCompare/internal/metrics"
	"KeyCompare/internal/model"
	"KeyCompare/internal/repository"
	"KeyCompare/internal/utils/columnkey"

	"github.com/sirupsen/logrus"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatCSV   ExportFormat = "csv"
	FormatJSONL ExportFormat = "jsonl"
)

// ParseExportFormat 解析导出格式，空串默认 csv
func ParseExportFormat(s string) (ExportFormat, bool) {
	switch ExportFormat(s) {
	case "", FormatCSV:
		return FormatCSV, true
	case FormatJSONL:
		return FormatJSONL, true
	}
	return "", false
}

// Exporter 把某分类的完整结果流式写出，与 Reader 读取同一版本
type Exporter struct {
	manager   *CacheManager
	repo      repository.CacheRepository
	batchSize int
	logger    *logrus.Logger
}

// NewExporter 创建 Exporter
func NewExporter(manager *CacheManager, repo repository.CacheRepository, cfg config.CacheConfig, logger *logrus.Logger) *Exporter {
	batch := cfg.ExportBatchSize
	if batch <= 0 {
		batch = 1000
	}
	return &Exporter{manager: manager, repo: repo, batchSize: batch, logger: logger}
}

// Export 一次导出，版本在 Open 时固定，之后即使发布新版本也继续读旧版本
type Export struct {
	exporter   *Exporter
	RunID      uint64
	ColumnsKey string
	Columns    []string
	Category   model.Category
	Summary    model.Summary
}

// Open 校验参数并固定版本；调用方在写响应头之前调用，错误可以正常返回给客户端
func (e *Exporter) Open(ctx context.Context, runID uint64, columns []string, category model.Category) (*Export, error) {
	if _, ok := model.ParseCategory(string(category)); !ok {
		return nil, model.NewError(model.KindInvalidRange, "export", nil, "未知分类 %q", category)
	}
	cols := columnkey.Normalize(columns)
	key := columnkey.Key(cols)
	if key == "" {
		return nil, model.NewError(model.KindInvalidRange, "export", nil, "columns is required")
	}
	summary, err := e.manager.ResolveVersion(ctx, runID, key, 0)
	if err != nil {
		return nil, err
	}
	return &Export{
		exporter:   e,
		RunID:      runID,
		ColumnsKey: key,
		Columns:    cols,
		Category:   category,
		Summary:    *summary,
	}, nil
}

// FileName 下载文件名
func (x *Export) FileName(format ExportFormat) string {
	return fmt.Sprintf("run_%d_%s_v%d.%s", x.RunID, x.Category, x.Summary.Version, format)
}

// Write 按批读取并写出全部记录，返回写出的条数
func (x *Export) Write(ctx context.Context, w io.Writer, format ExportFormat) (int64, error) {
	var (
		n   int64
		err error
	)
	switch format {
	case FormatJSONL:
		n, err = x.writeJSONL(ctx, w)
	default:
		n, err = x.writeCSV(ctx, w)
	}
	metrics.ExportedRows.WithLabelValues(string(x.Category)).Add(float64(n))
	if err != nil {
		x.exporter.logger.WithError(err).WithFields(logrus.Fields{
			"run_id":   x.RunID,
			"columns":  x.ColumnsKey,
			"category": x.Category,
			"written":  n,
		}).Error("导出中断")
	}
	return n, err
}

// each 逐批遍历记录，批次之间检查 context
func (x *Export) each(ctx context.Context, fn func(rec *model.Record) error) (int64, error) {
	total := x.Summary.Count(x.Category)
	batch := x.exporter.batchSize
	var n int64
	for offset := 0; int64(offset) < total; offset += batch {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rows, err := x.exporter.repo.ListRecords(ctx, x.RunID, x.ColumnsKey, x.Summary.Version, x.Category, offset, batch)
		if err != nil {
			return n, fmt.Errorf("读取缓存记录失败: %w", err)
		}
		if len(rows) == 0 {
			return n, x.corrupt(ctx, fmt.Sprintf("%s 在 offset=%d 处记录缺失", x.Category, offset))
		}
		for i, row := range rows {
			if row.Seq != int64(offset+i) {
				return n, x.corrupt(ctx, fmt.Sprintf("%s seq 不连续: 期望 %d，实际 %d", x.Category, offset+i, row.Seq))
			}
			var rec model.Record
			if err := json.Unmarshal(row.Record, &rec); err != nil {
				return n, x.corrupt(ctx, fmt.Sprintf("%s seq %d 解析失败: %v", x.Category, row.Seq, err))
			}
			if err := fn(&rec); err != nil {
				return n, err
			}
			n++
		}
	}
	if n != total {
		return n, x.corrupt(ctx, fmt.Sprintf("%s 期望 %d 条，实际 %d 条", x.Category, total, n))
	}
	return n, nil
}

// corrupt 与 Reader 相同：失效当前版本，迫使下次生成重建
func (x *Export) corrupt(ctx context.Context, reason string) error {
	x.exporter.manager.invalidate(ctx, x.RunID, x.ColumnsKey, x.Summary.Version, reason)
	return model.NewError(model.KindCorrupt, "export", nil, "缓存数据损坏（%s），请重新生成", reason)
}

func (x *Export) writeJSONL(ctx context.Context, w io.Writer) (int64, error) {
	enc := json.NewEncoder(w)
	return x.each(ctx, func(rec *model.Record) error {
		return enc.Encode(rec)
	})
}

func (x *Export) writeCSV(ctx context.Context, w io.Writer) (int64, error) {
	cw := csv.NewWriter(w)
	var (
		header  []string
		colsA   []string
		colsB   []string
		written int64
	)
	n, err := x.each(ctx, func(rec *model.Record) error {
		if header == nil {
			colsA, colsB = sortedKeys(rec.A), sortedKeys(rec.B)
			header = x.csvHeader(colsA, colsB)
			if err := cw.Write(header); err != nil {
				return err
			}
		}
		if err := cw.Write(x.csvRow(rec, colsA, colsB)); err != nil {
			return err
		}
		written++
		if written%int64(x.exporter.batchSize) == 0 {
			cw.Flush()
			return cw.Error()
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	if header == nil {
		// 空分类只输出表头
		if err := cw.Write(x.csvHeader(nil, nil)); err != nil {
			return n, err
		}
	}
	cw.Flush()
	return n, cw.Error()
}

func (x *Export) csvHeader(colsA, colsB []string) []string {
	header := append([]string{}, x.Columns...)
	switch x.Category {
	case model.CategoryMatched:
		header = append(header, "row_index_a", "row_index_b", "count_a", "count_b")
	case model.CategoryOnlyA:
		header = append(header, "row_index_a")
	case model.CategoryOnlyB:
		header = append(header, "row_index_b")
	}
	for _, c := range colsA {
		header = append(header, "a."+c)
	}
	for _, c := range colsB {
		header = append(header, "b."+c)
	}
	return header
}

func (x *Export) csvRow(rec *model.Record, colsA, colsB []string) []string {
	row := make([]string, 0, len(x.Columns)+4+len(colsA)+len(colsB))
	for _, c := range x.Columns {
		row = append(row, rec.Key[c])
	}
	switch x.Category {
	case model.CategoryMatched:
		row = append(row, indexString(rec.RowIndexA), indexString(rec.RowIndexB),
			strconv.FormatInt(rec.CountA, 10), strconv.FormatInt(rec.CountB, 10))
	case model.CategoryOnlyA:
		row = append(row, indexString(rec.RowIndexA))
	case model.CategoryOnlyB:
		row = append(row, indexString(rec.RowIndexB))
	}
	for _, c := range colsA {
		row = append(row, rec.A[c])
	}
	for _, c := range colsB {
		row = append(row, rec.B[c])
	}
	return row
}

func indexString(idx *int64) string {
	if idx == nil {
		return ""
	}
	return strconv.FormatInt(*idx, 10)
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
