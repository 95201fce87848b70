package accumulator

import (
	"context"
	"io"
	"strconv"
	"sync"
	"testing"

	"KeyCompare/internal/model"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fetchCall struct {
	category model.Category
	offset   int
	version  int
}

// fakeFetcher 按分类提供固定记录；block 非空时请求阻塞直到 block 关闭或 ctx 取消
type fakeFetcher struct {
	mu      sync.Mutex
	data    map[model.Category][]model.Record
	version int
	block   chan struct{}
	calls   []fetchCall
	err     error
}

func newFakeFetcher() *fakeFetcher {
	data := make(map[model.Category][]model.Record)
	for i := 0; i < 5; i++ {
		data[model.CategoryOnlyA] = append(data[model.CategoryOnlyA], model.Record{
			Key: map[string]string{"id": "a" + strconv.Itoa(i)},
			A:   map[string]string{"id": "a" + strconv.Itoa(i), "name": []string{"Alice", "Bob", "Carol", "Dave", "Eve"}[i]},
		})
	}
	data[model.CategoryMatched] = []model.Record{{Key: map[string]string{"id": "m0"}}}
	return &fakeFetcher{data: data, version: 1}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, _ uint64, _ []string, category model.Category, offset, limit, version int) (*Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{category: category, offset: offset, version: version})
	block := f.block
	err := f.err
	all := f.data[category]
	current := f.version
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	var recs []model.Record
	if offset < len(all) {
		recs = append(recs, all[offset:end]...)
	}
	return &Page{Records: recs, Total: int64(len(all)), HasMore: end < len(all), Version: current}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = ch
}

func newTestAccumulator(f Fetcher) *Accumulator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(f, 1, []string{"id"}, Options{PageSize: 2, Threshold: 1}, logger)
}

func TestAccumulator_ScrollAccumulates(t *testing.T) {
	f := newFakeFetcher()
	acc := newTestAccumulator(f)
	defer acc.Close()
	ctx := context.Background()

	started, err := acc.Activate(ctx, model.CategoryOnlyA)
	require.NoError(t, err)
	assert.True(t, started)
	acc.Wait()

	st := acc.Status(model.CategoryOnlyA)
	assert.Equal(t, PhaseLoadedPartial, st.Phase)
	assert.Equal(t, 2, st.Loaded)
	assert.Equal(t, int64(5), st.Total)
	assert.Equal(t, 1, acc.Version())

	// 距末尾超过阈值时不加载
	assert.False(t, acc.OnScroll(ctx, 0))
	assert.True(t, acc.OnScroll(ctx, 1))
	acc.Wait()
	assert.True(t, acc.OnScroll(ctx, 3))
	acc.Wait()

	st = acc.Status(model.CategoryOnlyA)
	assert.Equal(t, PhaseLoadedComplete, st.Phase)
	recs := acc.Records(model.CategoryOnlyA)
	require.Len(t, recs, 5)
	for i, r := range recs {
		assert.Equal(t, "a"+strconv.Itoa(i), r.Key["id"])
	}
	assert.False(t, acc.OnScroll(ctx, 4))
	assert.Equal(t, 3, f.callCount())
}

func TestAccumulator_DuplicateTriggerSuppressed(t *testing.T) {
	f := newFakeFetcher()
	block := make(chan struct{})
	f.setBlock(block)
	acc := newTestAccumulator(f)
	defer acc.Close()
	ctx := context.Background()

	assert.True(t, acc.LoadMore(ctx, model.CategoryOnlyA))
	assert.False(t, acc.LoadMore(ctx, model.CategoryOnlyA))
	assert.False(t, acc.LoadMore(ctx, model.CategoryOnlyA))
	close(block)
	acc.Wait()

	assert.Equal(t, 1, f.callCount())
	assert.Len(t, acc.Records(model.CategoryOnlyA), 2)
}

func TestAccumulator_SwitchingKeepsBuffers(t *testing.T) {
	f := newFakeFetcher()
	acc := newTestAccumulator(f)
	defer acc.Close()
	ctx := context.Background()

	_, err := acc.Activate(ctx, model.CategoryOnlyA)
	require.NoError(t, err)
	acc.Wait()
	_, err = acc.Activate(ctx, model.CategoryMatched)
	require.NoError(t, err)
	acc.Wait()

	// 切回已加载的分类不会重新请求
	started, err := acc.Activate(ctx, model.CategoryOnlyA)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, model.CategoryOnlyA, acc.Active())
	assert.Len(t, acc.Records(model.CategoryOnlyA), 2)
	assert.Len(t, acc.Records(model.CategoryMatched), 1)
	assert.Equal(t, PhaseLoadedComplete, acc.Status(model.CategoryMatched).Phase)
	assert.Equal(t, 2, f.callCount())

	_, err = acc.Activate(ctx, model.Category("bogus"))
	assert.ErrorIs(t, err, model.ErrInvalidRange)
}

func TestAccumulator_CancelRestoresState(t *testing.T) {
	f := newFakeFetcher()
	acc := newTestAccumulator(f)
	defer acc.Close()
	ctx := context.Background()

	acc.LoadMore(ctx, model.CategoryOnlyA)
	acc.Wait()
	before := acc.Records(model.CategoryOnlyA)

	block := make(chan struct{})
	f.setBlock(block)
	require.True(t, acc.LoadMore(ctx, model.CategoryOnlyA))
	assert.Equal(t, PhaseLoading, acc.Status(model.CategoryOnlyA).Phase)

	assert.True(t, acc.Cancel(model.CategoryOnlyA))
	acc.Wait()
	close(block)

	st := acc.Status(model.CategoryOnlyA)
	assert.Equal(t, PhaseLoadedPartial, st.Phase)
	assert.Equal(t, 2, st.Loaded)
	assert.Equal(t, before, acc.Records(model.CategoryOnlyA))

	// 取消后可以再次加载
	f.setBlock(nil)
	assert.True(t, acc.LoadMore(ctx, model.CategoryOnlyA))
	acc.Wait()
	assert.Len(t, acc.Records(model.CategoryOnlyA), 4)
}

func TestAccumulator_ParentContextCancelled(t *testing.T) {
	f := newFakeFetcher()
	f.setBlock(make(chan struct{}))
	acc := newTestAccumulator(f)
	defer acc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, acc.LoadMore(ctx, model.CategoryOnlyA))
	cancel()
	acc.Wait()

	st := acc.Status(model.CategoryOnlyA)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, st.Err)
	assert.Empty(t, acc.Records(model.CategoryOnlyA))
}

func TestAccumulator_FailureKeepsBuffer(t *testing.T) {
	f := newFakeFetcher()
	acc := newTestAccumulator(f)
	defer acc.Close()
	ctx := context.Background()

	acc.LoadMore(ctx, model.CategoryOnlyA)
	acc.Wait()

	f.mu.Lock()
	f.err = model.NewError(model.KindTimeout, "data", nil, "timeout")
	f.mu.Unlock()
	acc.LoadMore(ctx, model.CategoryOnlyA)
	acc.Wait()

	st := acc.Status(model.CategoryOnlyA)
	assert.Equal(t, PhaseLoadedPartial, st.Phase)
	assert.NotEmpty(t, st.Err)
	assert.Len(t, acc.Records(model.CategoryOnlyA), 2)
}

func TestAccumulator_VersionPinned(t *testing.T) {
	f := newFakeFetcher()
	acc := newTestAccumulator(f)
	defer acc.Close()
	ctx := context.Background()

	acc.LoadMore(ctx, model.CategoryOnlyA)
	acc.Wait()

	f.mu.Lock()
	f.version = 2
	f.mu.Unlock()
	acc.LoadMore(ctx, model.CategoryOnlyA)
	acc.Wait()

	f.mu.Lock()
	calls := append([]fetchCall(nil), f.calls...)
	f.mu.Unlock()
	require.Len(t, calls, 2)
	assert.Equal(t, 0, calls[0].version)
	assert.Equal(t, 1, calls[1].version)
	// 服务端返回了其他版本，不混入缓冲区
	assert.Len(t, acc.Records(model.CategoryOnlyA), 2)
	assert.NotEmpty(t, acc.Status(model.CategoryOnlyA).Err)

	acc.Reset()
	assert.Zero(t, acc.Version())
	assert.Equal(t, PhaseIdle, acc.Status(model.CategoryOnlyA).Phase)
	assert.Empty(t, acc.Records(model.CategoryOnlyA))
}

func TestAccumulator_FilterLoadedOnly(t *testing.T) {
	f := newFakeFetcher()
	acc := newTestAccumulator(f)
	defer acc.Close()

	acc.LoadMore(context.Background(), model.CategoryOnlyA)
	acc.Wait()

	// Eve 尚未加载，不会出现在过滤结果中
	assert.Empty(t, acc.Filter(model.CategoryOnlyA, "eve"))
	got := acc.Filter(model.CategoryOnlyA, "BOB")
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].Key["id"])
	assert.Len(t, acc.Filter(model.CategoryOnlyA, "  "), 2)
	assert.Equal(t, 1, f.callCount())
}

func TestAccumulator_OnUpdate(t *testing.T) {
	f := newFakeFetcher()
	var mu sync.Mutex
	var phases []Phase
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	acc := New(f, 1, []string{"id"}, Options{PageSize: 10, OnUpdate: func(_ model.Category, s Status) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	}}, logger)
	defer acc.Close()

	acc.LoadMore(context.Background(), model.CategoryOnlyA)
	acc.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseLoading, PhaseLoadedComplete}, phases)
}
