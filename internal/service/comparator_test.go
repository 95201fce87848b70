package service

import (
	"context"
	"testing"

	"KeyCompare/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComparator_Buckets(t *testing.T) {
	src := newFakeSource(ids("1", "2", "2", "3"), ids("3", "4", "2", "4"))
	c := NewComparator(src, true)

	art, err := c.Build(context.Background(), &src.run, []string{"id"}, "id")
	require.NoError(t, err)

	matched := art.Partitions[model.CategoryMatched]
	require.Len(t, matched, 2)
	// 按 A 侧首次出现顺序
	assert.Equal(t, "2", matched[0].Key["id"])
	assert.Equal(t, int64(2), matched[0].CountA)
	assert.Equal(t, int64(1), matched[0].CountB)
	assert.Equal(t, int64(1), *matched[0].RowIndexA)
	assert.Equal(t, int64(2), *matched[0].RowIndexB)
	assert.Equal(t, "3", matched[1].Key["id"])

	onlyA := art.Partitions[model.CategoryOnlyA]
	require.Len(t, onlyA, 1)
	assert.Equal(t, "1", onlyA[0].A["id"])
	assert.Nil(t, onlyA[0].B)

	onlyB := art.Partitions[model.CategoryOnlyB]
	require.Len(t, onlyB, 2)
	assert.Equal(t, int64(1), *onlyB[0].RowIndexB)
	assert.Equal(t, int64(3), *onlyB[1].RowIndexB)

	s := art.Summary
	assert.Equal(t, int64(4), s.TotalA)
	assert.Equal(t, int64(4), s.TotalB)
	assert.Equal(t, int64(2), s.MatchedCount)
	assert.Equal(t, int64(1), s.OnlyACount)
	assert.Equal(t, int64(2), s.OnlyBCount)
	assert.InDelta(t, 50.0, s.MatchRate, 1e-9)
	assert.Equal(t, "id", s.ColumnsKey)
}

func TestComparator_MultiColumnKey(t *testing.T) {
	a := []map[string]string{
		{"id": "1", "date": "2024-01-01"},
		{"id": "1", "date": "2024-01-02"},
	}
	b := []map[string]string{
		{"id": "1", "date": "2024-01-02"},
	}
	src := newFakeSource(a, b)
	art, err := NewComparator(src, false).Build(context.Background(), &src.run, []string{"date", "id"}, "date,id")
	require.NoError(t, err)
	assert.Equal(t, int64(1), art.Summary.MatchedCount)
	assert.Equal(t, map[string]string{"date": "2024-01-02", "id": "1"}, art.Partitions[model.CategoryMatched][0].Key)
	assert.Equal(t, int64(1), art.Summary.OnlyACount)
	assert.Equal(t, int64(0), art.Summary.OnlyBCount)
}

func TestComparator_Deterministic(t *testing.T) {
	src := newFakeSource(ids("5", "1", "5", "9", "2"), ids("2", "7", "5", "7"))
	c := NewComparator(src, false)

	first, err := c.Build(context.Background(), &src.run, []string{"id"}, "id")
	require.NoError(t, err)
	second, err := c.Build(context.Background(), &src.run, []string{"id"}, "id")
	require.NoError(t, err)
	assert.Equal(t, first.Partitions, second.Partitions)
}

func TestComparator_MissingColumn(t *testing.T) {
	src := newFakeSource(ids("1"), ids("1"))
	_, err := NewComparator(src, false).Build(context.Background(), &src.run, []string{"nope"}, "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrGeneration)
}

func TestComparator_RowCountMismatch(t *testing.T) {
	src := newFakeSource(ids("1", "2"), ids("1"))
	run := src.run
	run.RowsA = 3
	run.RowsB = 1

	_, err := NewComparator(src, true).Build(context.Background(), &run, []string{"id"}, "id")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrGeneration)

	// 关闭校验时按实际扫描结果生成
	art, err := NewComparator(src, false).Build(context.Background(), &run, []string{"id"}, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(2), art.Summary.TotalA)
}

func TestComparator_SourceError(t *testing.T) {
	src := newFakeSource(ids("1"), ids("1"))
	src.setFail(errSourceDown)
	_, err := NewComparator(src, false).Build(context.Background(), &src.run, []string{"id"}, "id")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrGeneration)
	assert.ErrorIs(t, err, errSourceDown)
}
