package service

import (
	"math"
	"testing"

	"KeyCompare/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func combo(key string, score float64) model.CombinationResult {
	return model.CombinationResult{ColumnsKey: key, UniquenessScore: score}
}

func TestClassifyCombinations_Partition(t *testing.T) {
	sideA := []model.CombinationResult{
		combo("id", 100),
		combo("id,date", 100),
		combo("name", 100),
		combo("email", 97.5),
		combo("phone", 40),
	}
	sideB := []model.CombinationResult{
		combo("id", 100),
		combo("date,id", 100),
		combo("name", 99.9),
		combo("email", 100),
		combo("zip", 100),
	}

	classes := ClassifyCombinations(sideA, sideB)
	assert.Equal(t, map[string]KeyClass{
		"id":      ClassMatched,
		"date,id": ClassMatched,
		"name":    ClassOnlyA,
		"email":   ClassOnlyB,
		"phone":   ClassNeither,
		"zip":     ClassOnlyB,
	}, classes)
}

func TestClassifyCombinations_MatchedIffBothUnique(t *testing.T) {
	scores := []float64{0, 50, 99.99, 100, math.NaN()}
	for _, sa := range scores {
		for _, sb := range scores {
			classes := ClassifyCombinations(
				[]model.CombinationResult{combo("k", sa)},
				[]model.CombinationResult{combo("k", sb)},
			)
			require.Len(t, classes, 1)
			uniqueA := sa == 100
			uniqueB := sb == 100
			assert.Equal(t, uniqueA && uniqueB, classes["k"] == ClassMatched, "a=%v b=%v", sa, sb)
			assert.Equal(t, uniqueA && !uniqueB, classes["k"] == ClassOnlyA, "a=%v b=%v", sa, sb)
			assert.Equal(t, !uniqueA && uniqueB, classes["k"] == ClassOnlyB, "a=%v b=%v", sa, sb)
			assert.Equal(t, !uniqueA && !uniqueB, classes["k"] == ClassNeither, "a=%v b=%v", sa, sb)
		}
	}
}

func TestClassifyCombinations_MissingSideAndNaN(t *testing.T) {
	classes := ClassifyCombinations(
		[]model.CombinationResult{combo("only_in_a", 100), combo("nan", math.NaN())},
		[]model.CombinationResult{combo("nan", 100)},
	)
	assert.Equal(t, ClassOnlyA, classes["only_in_a"])
	assert.Equal(t, ClassOnlyB, classes["nan"])

	assert.Empty(t, ClassifyCombinations(nil, nil))
}

func TestClassifyCombinations_DuplicateEntriesFailClosed(t *testing.T) {
	classes := ClassifyCombinations(
		[]model.CombinationResult{combo("a,b", 100), combo("b,a", 80)},
		[]model.CombinationResult{combo("a,b", 100), combo("a, b", 100)},
	)
	assert.Equal(t, ClassOnlyB, classes["a,b"])
}

func TestClassifyCombinations_OrderIndependent(t *testing.T) {
	sideA := []model.CombinationResult{combo("x", 100), combo("y", 10), combo("z", 100)}
	sideB := []model.CombinationResult{combo("z", 100), combo("y", 100), combo("w", 5)}
	reversedA := []model.CombinationResult{sideA[2], sideA[1], sideA[0]}
	reversedB := []model.CombinationResult{sideB[2], sideB[1], sideB[0]}

	assert.Equal(t, ClassifyCombinations(sideA, sideB), ClassifyCombinations(reversedA, reversedB))
}

func TestBuildClassification_SortedAndCounted(t *testing.T) {
	sideA := []model.CombinationResult{
		{ColumnsKey: "zeta", UniquenessScore: 100, TotalRows: 10},
		{ColumnsKey: "alpha", UniquenessScore: 100, TotalRows: 10},
		{ColumnsKey: "mid", UniquenessScore: math.NaN(), DuplicateCount: 3, TotalRows: 10},
	}
	sideB := []model.CombinationResult{
		{ColumnsKey: "alpha", UniquenessScore: 100, TotalRows: 12},
		{ColumnsKey: "zeta", UniquenessScore: 100, TotalRows: 12},
	}

	res := BuildClassification(7, sideA, sideB)
	require.Len(t, res.Matched, 2)
	assert.Equal(t, "alpha", res.Matched[0].Columns)
	assert.Equal(t, "zeta", res.Matched[1].Columns)
	assert.Equal(t, int64(12), res.Matched[0].TotalRowsB)
	require.Len(t, res.Neither, 1)
	assert.Nil(t, res.Neither[0].ScoreA)
	assert.Equal(t, int64(3), res.Neither[0].DuplicatesA)
	assert.Empty(t, res.OnlyA)
	assert.Empty(t, res.OnlyB)
	assert.Equal(t, 2, res.Counts[ClassMatched])
	assert.Equal(t, 1, res.Counts[ClassNeither])
	assert.Equal(t, uint64(7), res.RunID)
}
