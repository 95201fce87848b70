package service

import (
	"math"
	"sort"

	"KeyCompare/internal/model"
	"KeyCompare/internal/utils/columnkey"
)

// KeyClass 列组合在两侧唯一性下的归类
type KeyClass string

const (
	ClassMatched KeyClass = "matched"
	ClassOnlyA   KeyClass = "only_a"
	ClassOnlyB   KeyClass = "only_b"
	ClassNeither KeyClass = "neither"
)

// classOf 由两侧唯一性得到归类
func classOf(uniqueA, uniqueB bool) KeyClass {
	switch {
	case uniqueA && uniqueB:
		return ClassMatched
	case uniqueA:
		return ClassOnlyA
	case uniqueB:
		return ClassOnlyB
	default:
		return ClassNeither
	}
}

// uniqueness 汇总一侧的唯一性。同一规范化 key 出现多次时，只有全部为唯一才算唯一
func uniqueness(results []model.CombinationResult) map[string]bool {
	out := make(map[string]bool, len(results))
	for _, r := range results {
		key := columnkey.FromString(r.ColumnsKey)
		if key == "" {
			continue
		}
		u := r.IsUniqueKey()
		if prev, ok := out[key]; ok {
			out[key] = prev && u
			continue
		}
		out[key] = u
	}
	return out
}

// ClassifyCombinations 将两侧出现过的全部列组合划分为 matched / only_a / only_b / neither
// 某侧缺失的组合视为该侧非唯一。纯函数，结果与输入顺序无关
func ClassifyCombinations(sideA, sideB []model.CombinationResult) map[string]KeyClass {
	ua := uniqueness(sideA)
	ub := uniqueness(sideB)

	out := make(map[string]KeyClass, len(ua)+len(ub))
	for key, a := range ua {
		out[key] = classOf(a, ub[key])
	}
	for key, b := range ub {
		if _, ok := out[key]; ok {
			continue
		}
		out[key] = classOf(false, b)
	}
	return out
}

// CombinationStat 概览页单个列组合的两侧统计
type CombinationStat struct {
	Columns     string   `json:"columns"`
	ColumnList  []string `json:"column_list"`
	Class       KeyClass `json:"class"`
	UniqueA     bool     `json:"unique_a"`
	UniqueB     bool     `json:"unique_b"`
	ScoreA      *float64 `json:"score_a,omitempty"`
	ScoreB      *float64 `json:"score_b,omitempty"`
	DuplicatesA int64    `json:"duplicates_a"`
	DuplicatesB int64    `json:"duplicates_b"`
	TotalRowsA  int64    `json:"total_rows_a"`
	TotalRowsB  int64    `json:"total_rows_b"`
}

// ClassificationResult 概览页返回：各分类按 columns_key 字母序排列
type ClassificationResult struct {
	RunID   uint64            `json:"run_id"`
	Matched []CombinationStat `json:"matched"`
	OnlyA   []CombinationStat `json:"only_a"`
	OnlyB   []CombinationStat `json:"only_b"`
	Neither []CombinationStat `json:"neither"`
	Counts  map[KeyClass]int  `json:"counts"`
}

// BuildClassification 在 ClassifyCombinations 基础上附加两侧统计并按字母序分组
func BuildClassification(runID uint64, sideA, sideB []model.CombinationResult) *ClassificationResult {
	classes := ClassifyCombinations(sideA, sideB)
	statsA := indexByKey(sideA)
	statsB := indexByKey(sideB)

	keys := make([]string, 0, len(classes))
	for k := range classes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := &ClassificationResult{
		RunID:   runID,
		Matched: []CombinationStat{},
		OnlyA:   []CombinationStat{},
		OnlyB:   []CombinationStat{},
		Neither: []CombinationStat{},
		Counts:  make(map[KeyClass]int, 4),
	}
	for _, k := range keys {
		class := classes[k]
		stat := CombinationStat{
			Columns:    k,
			ColumnList: columnkey.Parse(k),
			Class:      class,
			UniqueA:    class == ClassMatched || class == ClassOnlyA,
			UniqueB:    class == ClassMatched || class == ClassOnlyB,
		}
		if a, ok := statsA[k]; ok {
			stat.ScoreA = finiteScore(a.UniquenessScore)
			stat.DuplicatesA = a.DuplicateCount
			stat.TotalRowsA = a.TotalRows
		}
		if b, ok := statsB[k]; ok {
			stat.ScoreB = finiteScore(b.UniquenessScore)
			stat.DuplicatesB = b.DuplicateCount
			stat.TotalRowsB = b.TotalRows
		}
		switch class {
		case ClassMatched:
			res.Matched = append(res.Matched, stat)
		case ClassOnlyA:
			res.OnlyA = append(res.OnlyA, stat)
		case ClassOnlyB:
			res.OnlyB = append(res.OnlyB, stat)
		default:
			res.Neither = append(res.Neither, stat)
		}
		res.Counts[class]++
	}
	return res
}

// indexByKey 同 key 多条时保留第一条，仅用于展示
func indexByKey(results []model.CombinationResult) map[string]model.CombinationResult {
	out := make(map[string]model.CombinationResult, len(results))
	for _, r := range results {
		key := columnkey.FromString(r.ColumnsKey)
		if _, ok := out[key]; !ok {
			out[key] = r
		}
	}
	return out
}

// finiteScore NaN/Inf 不能序列化为 JSON，返回 nil
func finiteScore(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
