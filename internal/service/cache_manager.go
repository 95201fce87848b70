package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"KeyCompare/internal/config"
	"KeyCompare/internal/interfaces"
	"KeyCompare/internal/lock"
	"KeyCompare/internal/metrics"
	"KeyCompare/internal/model"
	"KeyCompare/internal/repository"
	"KeyCompare/internal/utils/columnkey"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// CacheManager 对比缓存管理：状态查询、生成/重建、版本切换
// 同一 (run_id, columns_key) 同时最多一个生成任务；不同 key 可并发，总数受 generation_workers 限制
type CacheManager struct {
	repo       repository.CacheRepository
	source     interfaces.RowSource
	comparator *Comparator
	locker     lock.Locker
	cfg        config.CacheConfig
	logger     *logrus.Logger

	flight singleflight.Group
	sem    *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]string // flight key → generation_id

	scans atomic.Int64
	now   func() time.Time
}

// NewCacheManager 创建 CacheManager
func NewCacheManager(repo repository.CacheRepository, source interfaces.RowSource, locker lock.Locker, cfg config.CacheConfig, logger *logrus.Logger) *CacheManager {
	workers := cfg.GenerationWorkers
	if workers <= 0 {
		workers = 1
	}
	if locker == nil {
		locker = lock.NoopLocker{}
	}
	return &CacheManager{
		repo:       repo,
		source:     source,
		comparator: NewComparator(source, cfg.ExpectRowCountsMatched),
		locker:     locker,
		cfg:        cfg,
		logger:     logger,
		sem:        semaphore.NewWeighted(workers),
		inFlight:   make(map[string]string),
		now:        time.Now,
	}
}

func flightKey(runID uint64, columnsKey string) string {
	return fmt.Sprintf("%d|%s", runID, columnsKey)
}

// ScanCount 本进程已发起的全量扫描次数
func (m *CacheManager) ScanCount() int64 { return m.scans.Load() }

func (m *CacheManager) localGeneration(runID uint64, columnsKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.inFlight[flightKey(runID, columnsKey)]
	return id, ok
}

// Status 单行查询缓存状态，不扫描源数据，也不等待进行中的生成
func (m *CacheManager) Status(ctx context.Context, runID uint64, columns []string) (*model.CacheStatus, error) {
	key := columnkey.Key(columns)
	if key == "" {
		return nil, model.NewError(model.KindInvalidRange, "status", nil, "columns is required")
	}
	st := &model.CacheStatus{RunID: runID, ColumnsKey: key, State: model.CacheAbsent}

	row, err := m.repo.GetCache(ctx, runID, key)
	if err != nil {
		return nil, fmt.Errorf("查询缓存状态失败: %w", err)
	}
	if row == nil {
		return st, nil
	}

	st.State = row.State
	st.Error = row.LastError
	if row.State == model.CacheReady {
		st.Version = row.CurrentVersion
		summary, err := row.DecodeSummary()
		if err != nil {
			return nil, model.NewError(model.KindCorrupt, "status", err, "摘要解析失败")
		}
		st.Summary = summary
		st.Regenerating = row.GenerationID != ""
	}

	// generating 行没有本地任务且已超时：多半是实例中途退出，按失败处理以允许重新生成
	if row.State == model.CacheGenerating {
		if _, local := m.localGeneration(runID, key); !local && m.isStale(row) {
			st.State = model.CacheFailed
			st.Error = "generation stale"
		}
	}
	return st, nil
}

func (m *CacheManager) isStale(row *model.ComparisonCache) bool {
	if m.cfg.StaleGenerationAfter <= 0 || row.StartedAt == nil {
		return false
	}
	return m.now().Sub(*row.StartedAt) > m.cfg.StaleGenerationAfter
}

// staleBefore 开始时间早于返回值的生成任务视为已失效，可被接管；未配置时不接管
func (m *CacheManager) staleBefore(now time.Time) time.Time {
	if m.cfg.StaleGenerationAfter <= 0 {
		return time.Time{}
	}
	return now.Add(-m.cfg.StaleGenerationAfter)
}

// Generate 确保缓存就绪并返回摘要；已就绪时直接返回，不重复扫描
// 调用方 ctx 只控制等待时长：超时返回 TimeoutError，生成任务在后台继续，可通过 Status 轮询
func (m *CacheManager) Generate(ctx context.Context, runID uint64, columns []string) (*model.Summary, error) {
	return m.generate(ctx, runID, columns, false)
}

// Regenerate 无论当前状态如何都构建新版本并原子切换；旧版本的读取者不受影响
func (m *CacheManager) Regenerate(ctx context.Context, runID uint64, columns []string) (*model.Summary, error) {
	return m.generate(ctx, runID, columns, true)
}

func (m *CacheManager) generate(ctx context.Context, runID uint64, columns []string, force bool) (*model.Summary, error) {
	cols := columnkey.Normalize(columns)
	key := columnkey.Key(cols)
	if key == "" {
		return nil, model.NewError(model.KindInvalidRange, "generate", nil, "columns is required")
	}

	if !force {
		if summary, ok, err := m.readySummary(ctx, runID, key); err != nil || ok {
			return summary, err
		}
	}

	fk := flightKey(runID, key)
	ch := m.flight.DoChan(fk, func() (interface{}, error) {
		return m.runGeneration(runID, cols, key, force)
	})

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, model.NewError(model.KindTimeout, "generate", ctx.Err(), "生成仍在进行，请稍后通过状态接口查询")
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Summary), nil
	}
}

func (m *CacheManager) readySummary(ctx context.Context, runID uint64, key string) (*model.Summary, bool, error) {
	row, err := m.repo.GetCache(ctx, runID, key)
	if err != nil {
		return nil, false, fmt.Errorf("查询缓存状态失败: %w", err)
	}
	if row == nil || row.State != model.CacheReady {
		return nil, false, nil
	}
	summary, err := row.DecodeSummary()
	if err != nil || summary == nil {
		// 摘要损坏时走重新生成
		return nil, false, nil
	}
	return summary, true, nil
}

// runGeneration 在独立 context 中执行，不随发起请求取消
func (m *CacheManager) runGeneration(runID uint64, columns []string, key string, force bool) (*model.Summary, error) {
	ctx := context.Background()
	if m.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.GenerationTimeout)
		defer cancel()
	}
	log := m.logger.WithFields(logrus.Fields{"run_id": runID, "columns": key, "force": force})

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, model.NewError(model.KindTimeout, "generate", err, "等待生成工作槽超时")
	}
	defer m.sem.Release(1)

	// 等待工作槽期间可能已有其他任务完成
	if !force {
		if summary, ok, err := m.readySummary(ctx, runID, key); err != nil || ok {
			return summary, err
		}
	}

	fk := flightKey(runID, key)
	lk, err := m.locker.Acquire(ctx, fk)
	if err != nil {
		if errors.Is(err, lock.ErrLockNotAcquired) {
			return nil, model.NewError(model.KindGenerationInProgress, "generate", nil, "其他实例正在生成该缓存，请轮询状态")
		}
		return nil, model.NewError(model.KindGeneration, "generate", err, "获取生成锁失败")
	}
	defer func() {
		if err := lk.Release(context.Background()); err != nil {
			log.WithError(err).Warn("释放生成锁失败")
		}
	}()

	run, err := m.source.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, model.NewError(model.KindGeneration, "generate", err, "读取对比任务失败")
	}

	generationID := uuid.NewString()
	startedAt := m.now()
	if err := m.repo.MarkGenerating(ctx, runID, key, generationID, startedAt, m.staleBefore(startedAt)); err != nil {
		// 没有 Redis 时跨实例互斥由缓存行上的 generation_id 保证
		if errors.Is(err, repository.ErrGenerationInFlight) {
			return nil, model.NewError(model.KindGenerationInProgress, "generate", nil, "其他实例正在生成该缓存，请轮询状态")
		}
		return nil, model.NewError(model.KindGeneration, "generate", err, "标记生成状态失败")
	}
	m.mu.Lock()
	m.inFlight[fk] = generationID
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, fk)
		m.mu.Unlock()
	}()

	m.scans.Add(1)
	metrics.ScansStarted.Inc()
	metrics.GenerationsInFlight.Inc()
	defer metrics.GenerationsInFlight.Dec()
	log.WithField("generation_id", generationID).Info("开始生成对比缓存")

	summary, err := m.buildAndPublish(ctx, run, columns, key, generationID)
	metrics.GenerationDuration.Observe(m.now().Sub(startedAt).Seconds())
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("failed").Inc()
		// 失败标记用独立 context，扫描超时后仍需写回状态
		markCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if mErr := m.repo.MarkFailed(markCtx, runID, key, generationID, err.Error()); mErr != nil {
			log.WithError(mErr).Warn("标记生成失败状态失败")
		}
		log.WithError(err).Error("生成对比缓存失败")
		if model.KindOf(err) == "" {
			err = model.NewError(model.KindGeneration, "generate", err, "生成对比缓存失败")
		}
		return nil, err
	}

	metrics.GenerationsTotal.WithLabelValues("ready").Inc()
	log.WithFields(logrus.Fields{
		"version":       summary.Version,
		"matched_count": summary.MatchedCount,
		"only_a_count":  summary.OnlyACount,
		"only_b_count":  summary.OnlyBCount,
		"duration_ms":   m.now().Sub(startedAt).Milliseconds(),
	}).Info("对比缓存生成完成")
	return summary, nil
}

func (m *CacheManager) buildAndPublish(ctx context.Context, run *model.ComparisonRun, columns []string, key, generationID string) (*model.Summary, error) {
	artifact, err := m.comparator.Build(ctx, run, columns, key)
	if err != nil {
		return nil, err
	}

	row, err := m.repo.GetCache(ctx, run.ID, key)
	if err != nil {
		return nil, fmt.Errorf("查询缓存状态失败: %w", err)
	}
	version := 1
	if row != nil {
		version = row.CurrentVersion + 1
	}
	// 损坏后 current_version 被清零，版本号仍需越过已保留的旧版本
	for {
		v, err := m.repo.GetVersion(ctx, run.ID, key, version)
		if err != nil {
			return nil, fmt.Errorf("查询版本失败: %w", err)
		}
		if v == nil {
			break
		}
		version++
	}
	artifact.Version = version
	artifact.Summary.Version = version

	if err := m.repo.PublishVersion(ctx, artifact, generationID); err != nil {
		if errors.Is(err, repository.ErrGenerationSuperseded) {
			return nil, model.NewError(model.KindGenerationInProgress, "publish", err, "生成任务已被接管")
		}
		return nil, fmt.Errorf("发布缓存版本失败: %w", err)
	}

	if keep := m.cfg.RetainVersions; keep > 0 && version-keep+1 > 1 {
		if err := m.repo.PruneVersions(ctx, run.ID, key, version-keep+1); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{"run_id": run.ID, "columns": key}).Warn("清理历史版本失败")
		}
	}
	summary := artifact.Summary
	return &summary, nil
}

// ResolveVersion 读取器与导出使用：确定要读取的版本及其摘要
// version<=0 时取当前版本；指定版本时要求其仍被保留
func (m *CacheManager) ResolveVersion(ctx context.Context, runID uint64, key string, version int) (*model.Summary, error) {
	row, err := m.repo.GetCache(ctx, runID, key)
	if err != nil {
		return nil, fmt.Errorf("查询缓存状态失败: %w", err)
	}
	if version <= 0 {
		if row == nil || row.CurrentVersion == 0 {
			return nil, m.notReadyError(runID, key, row)
		}
		if row.State != model.CacheReady {
			return nil, m.notReadyError(runID, key, row)
		}
		version = row.CurrentVersion
	}

	v, err := m.repo.GetVersion(ctx, runID, key, version)
	if err != nil {
		return nil, fmt.Errorf("查询版本失败: %w", err)
	}
	if v == nil {
		return nil, model.NewError(model.KindNotFound, "resolve", nil, "版本 %d 不存在或已被清理", version)
	}
	summary, err := v.DecodeSummary()
	if err != nil || summary == nil {
		return nil, model.NewError(model.KindCorrupt, "resolve", err, "版本 %d 摘要损坏", version)
	}
	summary.Version = version
	return summary, nil
}

func (m *CacheManager) notReadyError(runID uint64, key string, row *model.ComparisonCache) error {
	if row == nil {
		return model.NewError(model.KindCacheAbsent, "read", nil, "run %d columns %q 尚未生成缓存", runID, key)
	}
	switch row.State {
	case model.CacheGenerating:
		return model.NewError(model.KindGenerationInProgress, "read", nil, "缓存生成中，请稍后重试")
	case model.CacheFailed:
		return model.NewError(model.KindCacheAbsent, "read", nil, "缓存不可用（%s），请重新生成", row.LastError)
	}
	return model.NewError(model.KindCacheAbsent, "read", nil, "run %d columns %q 尚未生成缓存", runID, key)
}

// invalidate 读取时发现损坏，清除当前指针迫使下次生成重建
func (m *CacheManager) invalidate(ctx context.Context, runID uint64, key string, version int, reason string) {
	if err := m.repo.Invalidate(ctx, runID, key, version, reason); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{"run_id": runID, "columns": key, "version": version}).Error("标记缓存损坏失败")
		return
	}
	m.logger.WithFields(logrus.Fields{"run_id": runID, "columns": key, "version": version, "reason": reason}).Warn("缓存损坏，已失效，需要重新生成")
}
