package database

import (
	"context"
	"testing"

	"KeyCompare/internal/model"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunRepo struct {
	results []*model.CombinationResult
	rows    map[model.Side][]model.Row
	batch   int
}

func (f *fakeRunRepo) GetRun(_ context.Context, runID uint64) (*model.ComparisonRun, error) {
	if runID != 1 {
		return nil, model.NewError(model.KindNotFound, "GetRun", nil, "run %d not found", runID)
	}
	return &model.ComparisonRun{ID: 1}, nil
}

func (f *fakeRunRepo) ListCombinationResults(_ context.Context, _ uint64) ([]*model.CombinationResult, error) {
	return f.results, nil
}

func (f *fakeRunRepo) IterateSourceRows(_ context.Context, _ uint64, side model.Side, batchSize int, fn func(row model.Row) error) error {
	f.batch = batchSize
	for _, r := range f.rows[side] {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func TestSource_SplitsSidesAndNormalizes(t *testing.T) {
	repo := &fakeRunRepo{results: []*model.CombinationResult{
		{Side: model.SideA, ColumnsKey: "id,date", UniquenessScore: 100},
		{Side: model.SideB, ColumnsKey: "date, id", UniquenessScore: 100},
		{Side: "z", ColumnsKey: "x"},
	}}
	src := NewSource(repo, 50, logrus.New())

	res, err := src.ListCombinationResults(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, res.SideA, 1)
	require.Len(t, res.SideB, 1)
	assert.Equal(t, "date,id", res.SideA[0].ColumnsKey)
	assert.Equal(t, "date,id", res.SideB[0].ColumnsKey)
	// 仓储返回的原对象不被修改
	assert.Equal(t, "id,date", repo.results[0].ColumnsKey)
}

func TestSource_IterateRowsUsesBatchSize(t *testing.T) {
	repo := &fakeRunRepo{rows: map[model.Side][]model.Row{
		model.SideA: {{Index: 0, Values: map[string]string{"id": "1"}}},
	}}
	src := NewSource(repo, 250, logrus.New())

	n := 0
	require.NoError(t, src.IterateRows(context.Background(), 1, model.SideA, func(model.Row) error { n++; return nil }))
	assert.Equal(t, 1, n)
	assert.Equal(t, 250, repo.batch)
	assert.Equal(t, Kind, src.GetName())
}

func TestNew_RequiresDB(t *testing.T) {
	_, err := New(nil, nil, logrus.New())
	assert.Error(t, err)
}
