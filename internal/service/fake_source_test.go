package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"KeyCompare/internal/config"
	"KeyCompare/internal/interfaces"
	"KeyCompare/internal/lock"
	"KeyCompare/internal/model"
	"KeyCompare/internal/repository"

	"github.com/sirupsen/logrus"
)

// fakeSource 内存行数据源；gate 非空时扫描会阻塞直到 gate 关闭
type fakeSource struct {
	mu      sync.Mutex
	run     model.ComparisonRun
	rows    map[model.Side][]model.Row
	gate    chan struct{}
	failErr error
	started chan struct{}

	getRuns atomic.Int64
}

func newFakeSource(a, b []map[string]string) *fakeSource {
	return &fakeSource{
		run:     model.ComparisonRun{ID: 1, FileA: "a.csv", FileB: "b.csv"},
		rows:    map[model.Side][]model.Row{model.SideA: rowsOf(a), model.SideB: rowsOf(b)},
		started: make(chan struct{}, 16),
	}
}

func rowsOf(values []map[string]string) []model.Row {
	rows := make([]model.Row, len(values))
	for i, v := range values {
		rows[i] = model.Row{Index: int64(i), Values: v}
	}
	return rows
}

func ids(vals ...string) []map[string]string {
	out := make([]map[string]string, len(vals))
	for i, v := range vals {
		out[i] = map[string]string{"id": v, "pos": string(rune('a' + i%26))}
	}
	return out
}

func (f *fakeSource) setRows(side model.Side, values []map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[side] = rowsOf(values)
}

func (f *fakeSource) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeSource) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *fakeSource) GetName() string { return "fake" }

func (f *fakeSource) GetRun(_ context.Context, runID uint64) (*model.ComparisonRun, error) {
	if runID != f.run.ID {
		return nil, model.NewError(model.KindNotFound, "GetRun", nil, "run %d not found", runID)
	}
	f.getRuns.Add(1)
	run := f.run
	return &run, nil
}

func (f *fakeSource) ListCombinationResults(_ context.Context, _ uint64) (*interfaces.CombinationResults, error) {
	return &interfaces.CombinationResults{}, nil
}

func (f *fakeSource) IterateRows(ctx context.Context, _ uint64, side model.Side, fn func(row model.Row) error) error {
	f.mu.Lock()
	rows := f.rows[side]
	gate := f.gate
	failErr := f.failErr
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failErr != nil {
		return failErr
	}
	for _, r := range rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

var errSourceDown = errors.New("source unavailable")

// busyLocker 模拟其他实例持有生成锁
type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (lock.Lock, error) {
	return nil, lock.ErrLockNotAcquired
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testEnv struct {
	src      *fakeSource
	repo     repository.CacheRepository
	manager  *CacheManager
	reader   *Reader
	exporter *Exporter
	cfg      config.CacheConfig
}

func newTestEnv(src *fakeSource, repo repository.CacheRepository, mutate ...func(*config.CacheConfig)) *testEnv {
	cfg := config.Default().Cache
	for _, m := range mutate {
		m(&cfg)
	}
	if repo == nil {
		repo = repository.NewMemoryCacheRepository()
	}
	logger := quietLogger()
	manager := NewCacheManager(repo, src, nil, cfg, logger)
	return &testEnv{
		src:      src,
		repo:     repo,
		manager:  manager,
		reader:   NewReader(manager, repo, cfg, logger),
		exporter: NewExporter(manager, repo, cfg, logger),
		cfg:      cfg,
	}
}
