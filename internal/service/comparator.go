package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"KeyCompare/internal/interfaces"
	"KeyCompare/internal/metrics"
	"KeyCompare/internal/model"
)

// keySep 拼接多列取值时的分隔符（ASCII unit separator，不会出现在正常 CSV 数据里）
const keySep = "\x1f"

// ctxCheckEvery 每扫描多少行检查一次 context
const ctxCheckEvery = 1024

type keyAgg struct {
	first   model.Row
	count   int64
	emitted bool
}

// Comparator 按列组合对两侧数据做全量分桶：matched / only_a / only_b
type Comparator struct {
	source         interfaces.RowSource
	checkRowCounts bool
	now            func() time.Time
}

// NewComparator 创建 Comparator；checkRowCounts 为 true 时扫描行数必须与 run 记录一致
func NewComparator(source interfaces.RowSource, checkRowCounts bool) *Comparator {
	return &Comparator{source: source, checkRowCounts: checkRowCounts, now: time.Now}
}

// Build 扫描两侧数据生成一个完整版本（版本号由调用方填写）
// 扫描顺序：A 建索引 → B 分桶 → A 再扫一遍输出 matched 与 only_a；输出顺序只取决于源数据顺序
func (c *Comparator) Build(ctx context.Context, run *model.ComparisonRun, columns []string, columnsKey string) (*model.Artifact, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("未指定列组合")
	}

	// 1. A 侧索引
	aggA := make(map[string]*keyAgg)
	countA1, err := c.scan(ctx, run.ID, model.SideA, columns, func(key string, row model.Row) {
		if a, ok := aggA[key]; ok {
			a.count++
			return
		}
		aggA[key] = &keyAgg{first: row, count: 1}
	})
	if err != nil {
		return nil, err
	}

	// 2. B 侧分桶：A 中不存在的行直接进入 only_b
	aggB := make(map[string]*keyAgg)
	onlyB := make([]model.Record, 0)
	countB, err := c.scan(ctx, run.ID, model.SideB, columns, func(key string, row model.Row) {
		if b, ok := aggB[key]; ok {
			b.count++
		} else {
			aggB[key] = &keyAgg{first: row, count: 1}
		}
		if _, ok := aggA[key]; !ok {
			idx := row.Index
			onlyB = append(onlyB, model.Record{
				Key:       keyValues(columns, row),
				B:         row.Values,
				RowIndexB: &idx,
			})
		}
	})
	if err != nil {
		return nil, err
	}

	// 3. A 侧再扫一遍：按 A 中首次出现顺序输出 matched，其余进入 only_a
	matched := make([]model.Record, 0)
	onlyA := make([]model.Record, 0)
	countA2, err := c.scan(ctx, run.ID, model.SideA, columns, func(key string, row model.Row) {
		b, inB := aggB[key]
		if !inB {
			idx := row.Index
			onlyA = append(onlyA, model.Record{
				Key:       keyValues(columns, row),
				A:         row.Values,
				RowIndexA: &idx,
			})
			return
		}
		a := aggA[key]
		if a == nil || a.emitted {
			return
		}
		a.emitted = true
		idxA, idxB := a.first.Index, b.first.Index
		matched = append(matched, model.Record{
			Key:       keyValues(columns, a.first),
			A:         a.first.Values,
			B:         b.first.Values,
			RowIndexA: &idxA,
			RowIndexB: &idxB,
			CountA:    a.count,
			CountB:    b.count,
		})
	})
	if err != nil {
		return nil, err
	}

	if countA1 != countA2 {
		return nil, model.NewError(model.KindGeneration, "scan", nil, "A 侧两次扫描行数不一致: %d != %d", countA1, countA2)
	}
	if c.checkRowCounts {
		if run.RowsA > 0 && countA1 != run.RowsA {
			return nil, model.NewError(model.KindGeneration, "scan", nil, "A 侧行数与任务记录不一致: 扫描 %d, 记录 %d", countA1, run.RowsA)
		}
		if run.RowsB > 0 && countB != run.RowsB {
			return nil, model.NewError(model.KindGeneration, "scan", nil, "B 侧行数与任务记录不一致: 扫描 %d, 记录 %d", countB, run.RowsB)
		}
	}

	summary := model.Summary{
		ColumnsKey:   columnsKey,
		TotalA:       countA1,
		TotalB:       countB,
		MatchedCount: int64(len(matched)),
		OnlyACount:   int64(len(onlyA)),
		OnlyBCount:   int64(len(onlyB)),
		MatchRate:    model.MatchRate(int64(len(matched)), countA1, countB),
		GeneratedAt:  c.now().UTC(),
	}
	return &model.Artifact{
		RunID:      run.ID,
		ColumnsKey: columnsKey,
		Summary:    summary,
		Partitions: map[model.Category][]model.Record{
			model.CategoryMatched: matched,
			model.CategoryOnlyA:   onlyA,
			model.CategoryOnlyB:   onlyB,
		},
	}, nil
}

// scan 遍历一侧，校验列存在并回调 (key, row)，返回行数
func (c *Comparator) scan(ctx context.Context, runID uint64, side model.Side, columns []string, fn func(key string, row model.Row)) (int64, error) {
	var n int64
	err := c.source.IterateRows(ctx, runID, side, func(row model.Row) error {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if n == 0 {
			for _, col := range columns {
				if _, ok := row.Values[col]; !ok {
					return model.NewError(model.KindGeneration, "scan", nil, "%s 侧不存在列 %q", side, col)
				}
			}
		}
		n++
		fn(rowKey(columns, row), row)
		return nil
	})
	metrics.RowsScanned.WithLabelValues(string(side)).Add(float64(n))
	if err != nil {
		if model.KindOf(err) != "" {
			return n, err
		}
		return n, model.NewError(model.KindGeneration, "scan", err, "读取 %s 侧数据失败", side)
	}
	return n, nil
}

func rowKey(columns []string, row model.Row) string {
	if len(columns) == 1 {
		return row.Values[columns[0]]
	}
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = row.Values[col]
	}
	return strings.Join(parts, keySep)
}

func keyValues(columns []string, row model.Row) map[string]string {
	out := make(map[string]string, len(columns))
	for _, col := range columns {
		out[col] = row.Values[col]
	}
	return out
}
